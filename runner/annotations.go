package runner

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"pipegate/runner/storage"
)

// workflowCommand matches `::error file=x.py,line=3::message` lines, the
// format linters emit with --output-format=github.
var workflowCommand = regexp.MustCompile(`^::(error|warning|notice)(?:\s+([^:]*))?::(.*)$`)

// parseAnnotations extracts workflow-command annotations from step output.
func parseAnnotations(output string) []storage.Annotation {
	var out []storage.Annotation
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := workflowCommand.FindStringSubmatch(strings.TrimRight(sc.Text(), "\r"))
		if m == nil {
			continue
		}
		a := storage.Annotation{Level: m[1], Message: unescapeData(m[3])}
		for _, prop := range strings.Split(m[2], ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(prop), "=")
			if !ok {
				continue
			}
			v = unescapeProperty(v)
			switch k {
			case "file":
				a.File = v
			case "line":
				a.Line, _ = strconv.Atoi(v)
			case "col":
				a.Col, _ = strconv.Atoi(v)
			case "title":
				a.Title = v
			}
		}
		out = append(out, a)
	}
	return out
}

var (
	dataUnescaper     = strings.NewReplacer("%0D", "\r", "%0A", "\n", "%25", "%")
	propertyUnescaper = strings.NewReplacer("%0D", "\r", "%0A", "\n", "%3A", ":", "%2C", ",", "%25", "%")
)

func unescapeData(s string) string     { return dataUnescaper.Replace(s) }
func unescapeProperty(s string) string { return propertyUnescaper.Replace(s) }
