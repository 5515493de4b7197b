package runner

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/tools/cover"
)

// DefaultCoverageThreshold is the minimum total line coverage, in percent.
const DefaultCoverageThreshold = 80.0

// Coverage report formats.
const (
	FormatCobertura = "cobertura"
	FormatGoCover   = "gocover"
)

// CoverageReport is the total coverage of one report.
type CoverageReport struct {
	Covered int64
	Total   int64
	Percent float64
}

// ReadCoverage loads a coverage report. An empty format is inferred from the
// file extension: .xml is Cobertura, anything else a Go cover profile.
func ReadCoverage(path, format string) (*CoverageReport, error) {
	if format == "" {
		format = FormatGoCover
		if strings.EqualFold(filepath.Ext(path), ".xml") {
			format = FormatCobertura
		}
	}
	switch format {
	case FormatCobertura:
		return readCobertura(path)
	case FormatGoCover:
		return readGoCover(path)
	}
	return nil, errors.Errorf("unknown coverage format %q", format)
}

type coberturaCoverage struct {
	LineRate     float64 `xml:"line-rate,attr"`
	LinesCovered int64   `xml:"lines-covered,attr"`
	LinesValid   int64   `xml:"lines-valid,attr"`
}

func readCobertura(path string) (*CoverageReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read coverage report")
	}
	var c coberturaCoverage
	if err := xml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "failed to parse cobertura report")
	}
	rep := &CoverageReport{Covered: c.LinesCovered, Total: c.LinesValid}
	if c.LinesValid > 0 {
		rep.Percent = float64(c.LinesCovered) * 100 / float64(c.LinesValid)
	} else {
		rep.Percent = c.LineRate * 100
	}
	return rep, nil
}

func readGoCover(path string) (*CoverageReport, error) {
	profiles, err := cover.ParseProfiles(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse cover profile")
	}
	rep := &CoverageReport{}
	for _, p := range profiles {
		for _, b := range p.Blocks {
			rep.Total += int64(b.NumStmt)
			if b.Count > 0 {
				rep.Covered += int64(b.NumStmt)
			}
		}
	}
	if rep.Total > 0 {
		rep.Percent = float64(rep.Covered) * 100 / float64(rep.Total)
	}
	return rep, nil
}

// CheckCoverage fails when the report is under threshold percent.
func CheckCoverage(rep *CoverageReport, threshold float64) error {
	if rep.Percent < threshold {
		return errors.Wrapf(ErrCoverageBelowThreshold, "total %.2f%% < %.2f%%", rep.Percent, threshold)
	}
	return nil
}

var (
	// pytest-cov's fail-under message
	requiredCoverage = regexp.MustCompile(`Required test coverage of ([\d.]+)% not reached\. Total coverage: ([\d.]+)%`)
	// pytest's final "=== 3 passed, 1 error in 0.5s ===" line
	pytestSummary = regexp.MustCompile(`(?m)^=+ (.*\d+ (?:passed|failed|errors?|skipped|xfailed|xpassed|deselected|warnings?).*) =+\s*$`)
	brokenTests   = regexp.MustCompile(`\b\d+ (?:failed|errors?)\b`)
)

// classifyFailure refines the kind of a failed step from its output. A test
// step that fails only on the coverage gate is reported as a coverage failure;
// any failed or errored test keeps it a test failure.
func classifyFailure(kind StageKind, output string, err error) (StageKind, error) {
	if kind != KindTest {
		return kind, err
	}
	m := requiredCoverage.FindStringSubmatch(output)
	if m == nil {
		return kind, err
	}
	counts := output
	if all := pytestSummary.FindAllStringSubmatch(output, -1); len(all) > 0 {
		counts = all[len(all)-1][1]
	}
	if brokenTests.MatchString(counts) {
		return kind, err
	}
	want, _ := strconv.ParseFloat(m[1], 64)
	got, _ := strconv.ParseFloat(m[2], 64)
	return KindCoverage, errors.Wrapf(ErrCoverageBelowThreshold, "total %.2f%% < %.2f%%", got, want)
}
