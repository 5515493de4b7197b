package runner

import (
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// EventKind is the repository event that may start a workflow.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// Valid reports whether k is an event pipegate knows how to receive.
func (k EventKind) Valid() bool {
	return k == EventPush || k == EventPullRequest
}

// Event is a repository event. For pull requests Branch is the target
// (base) branch.
type Event struct {
	Kind       EventKind `json:"event"`
	Branch     string    `json:"branch"`
	SHA        string    `json:"sha,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

// ParseEvent normalises raw event input.
func ParseEvent(kind, branch, sha string) (Event, error) {
	k := EventKind(strings.ReplaceAll(strings.TrimSpace(kind), "-", "_"))
	if !k.Valid() {
		return Event{}, errors.Wrapf(ErrUnknownEvent, "%q", kind)
	}
	branch = strings.TrimPrefix(strings.TrimSpace(branch), "refs/heads/")
	if branch == "" {
		return Event{}, errors.New("branch is required")
	}
	return Event{Kind: k, Branch: branch, SHA: strings.TrimSpace(sha)}, nil
}

// Key groups events that supersede each other.
func (e Event) Key() string {
	return string(e.Kind) + ":" + e.Branch
}

// Triggers reports whether ev starts the workflow.
func (wf *Workflow) Triggers(ev Event) bool {
	filter, ok := wf.On[ev.Kind]
	if !ok {
		return false
	}
	return filter.Matches(ev.Branch)
}

// Matches applies the include patterns, then the ignore patterns.
func (f BranchFilter) Matches(branch string) bool {
	if len(f.Branches) > 0 && !matchAny(f.Branches, branch) {
		return false
	}
	return !matchAny(f.BranchesIgnore, branch)
}

func matchAny(patterns []string, branch string) bool {
	for _, p := range patterns {
		if p == branch {
			return true
		}
		if strings.Contains(p, "**") {
			if globstar(p).MatchString(branch) {
				return true
			}
			continue
		}
		if ok, err := path.Match(p, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// globstar compiles a branch pattern in which "**" spans path separators,
// anywhere it appears; "*" and "?" stay within one segment.
func globstar(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; {
		case strings.HasPrefix(pattern[i:], "/**/"):
			b.WriteString("/(?:.*/)?")
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
