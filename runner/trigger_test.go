package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWorkflowTriggers(t *testing.T) {
	wf, err := ParseWorkflow(DefaultWorkflowYAML())
	require.NoError(t, err)

	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"push to main", Event{Kind: EventPush, Branch: "main"}, true},
		{"push to feature", Event{Kind: EventPush, Branch: "feature/x"}, false},
		{"push to mainline", Event{Kind: EventPush, Branch: "mainline"}, false},
		{"pull request into main", Event{Kind: EventPullRequest, Branch: "main"}, true},
		{"pull request into develop", Event{Kind: EventPullRequest, Branch: "develop"}, false},
		{"unknown event kind", Event{Kind: "release", Branch: "main"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wf.Triggers(tt.ev))
		})
	}
}

func TestBranchFilterPatterns(t *testing.T) {
	f := BranchFilter{
		Branches:       []string{"main", "release/*", "hotfix/**"},
		BranchesIgnore: []string{"release/old-*"},
	}
	assert.True(t, f.Matches("main"))
	assert.True(t, f.Matches("release/1.2"))
	assert.False(t, f.Matches("release/1.2/rc"))
	assert.True(t, f.Matches("hotfix/a/b"))
	assert.False(t, f.Matches("release/old-1"))
	assert.False(t, f.Matches("dev"))

	all := BranchFilter{Branches: []string{"**"}}
	assert.True(t, all.Matches("main"))
	assert.True(t, all.Matches("feature/x"))

	nested := BranchFilter{Branches: []string{"feature/**/fix", "**-hotfix"}}
	assert.True(t, nested.Matches("feature/fix"))
	assert.True(t, nested.Matches("feature/a/b/fix"))
	assert.False(t, nested.Matches("feature/a/fixes"))
	assert.True(t, nested.Matches("team/a/urgent-hotfix"))
	assert.False(t, nested.Matches("urgent-hotfix/1"))

	assert.True(t, BranchFilter{}.Matches("anything"))
	assert.False(t, BranchFilter{BranchesIgnore: []string{"wip*"}}.Matches("wip-1"))
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("pull-request", "refs/heads/main", " abc ")
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: EventPullRequest, Branch: "main", SHA: "abc"}, ev)
	assert.Equal(t, "pull_request:main", ev.Key())

	_, err = ParseEvent("tag", "main", "")
	assert.Error(t, err)

	_, err = ParseEvent("push", "", "")
	assert.Error(t, err)
}
