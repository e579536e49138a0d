package qa

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nexusdev/nexus/pkg/models"
)

// maxParsedErrors caps how many findings one stage reports. Past that the
// repair prompt stops getting more useful.
const maxParsedErrors = 50

// tailLines bounds the fallback error message when output is unparseable.
const tailLines = 15

// diagRe matches compiler-style "file:line[:col]: message" diagnostics.
var diagRe = regexp.MustCompile(`^(.+?\.\w+):(\d+)(?::\d+)?:\s*(.+)$`)

// parseBuildOutput extracts file:line diagnostics from compiler output.
// Package headers ("# example.com/pkg") are skipped.
func parseBuildOutput(output string) []models.StageError {
	var errs []models.StageError
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := diagRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		errs = append(errs, models.StageError{
			Kind:    models.ErrKindCompile,
			File:    m[1],
			Line:    n,
			Message: m[3],
		})
		if len(errs) >= maxParsedErrors {
			break
		}
	}
	return errs
}

// golangciReport is the shape of `golangci-lint run --out-format json`.
type golangciReport struct {
	Issues []struct {
		FromLinter string `json:"FromLinter"`
		Text       string `json:"Text"`
		Severity   string `json:"Severity"`
		Pos        struct {
			Filename string `json:"Filename"`
			Line     int    `json:"Line"`
		} `json:"Pos"`
	} `json:"Issues"`
}

// parseLintOutput normalizes linter findings. JSON reports are preferred;
// plain file:line diagnostics (go vet style) are the fallback. Findings
// graded warning or info never fail the stage.
func parseLintOutput(output string) ([]models.StageError, []string) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var report golangciReport
		if err := json.Unmarshal([]byte(trimmed), &report); err == nil {
			var errs []models.StageError
			var warnings []string
			for _, iss := range report.Issues {
				switch strings.ToLower(iss.Severity) {
				case "warning", "info":
					warnings = append(warnings, fmt.Sprintf("%s:%d: %s (%s)", iss.Pos.Filename, iss.Pos.Line, iss.Text, iss.FromLinter))
				default:
					errs = append(errs, models.StageError{
						Kind:    models.ErrKindLint,
						File:    iss.Pos.Filename,
						Line:    iss.Pos.Line,
						Message: fmt.Sprintf("%s (%s)", iss.Text, iss.FromLinter),
					})
				}
				if len(errs) >= maxParsedErrors {
					break
				}
			}
			return errs, warnings
		}
	}

	var errs []models.StageError
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := diagRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		errs = append(errs, models.StageError{
			Kind:    models.ErrKindLint,
			File:    m[1],
			Line:    n,
			Message: m[3],
		})
		if len(errs) >= maxParsedErrors {
			break
		}
	}
	return errs, nil
}

// testEvent is one line of a `go test -json` stream.
type testEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Output  string  `json:"Output"`
	Elapsed float64 `json:"Elapsed"`
}

// testFileRe pulls the "file_test.go:12:" location out of failure output.
var testFileRe = regexp.MustCompile(`(\S+_test\.go):(\d+)`)

// parseTestOutput folds a `go test -json` stream into counts and
// per-failure records. The second return is false when the output carried
// no parseable events, in which case the caller falls back to the exit
// code.
func parseTestOutput(output string) (*models.TestCounts, bool) {
	type testKey struct{ pkg, test string }

	counts := &models.TestCounts{}
	outputs := make(map[testKey][]string)
	var failed []testKey
	parsed := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var ev testEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		parsed = true
		key := testKey{ev.Package, ev.Test}

		switch ev.Action {
		case "output":
			if ev.Test != "" {
				outputs[key] = append(outputs[key], ev.Output)
			}
		case "pass":
			if ev.Test != "" {
				counts.Passed++
			}
		case "fail":
			if ev.Test != "" {
				counts.Failed++
				failed = append(failed, key)
			}
		case "skip":
			if ev.Test != "" {
				counts.Skipped++
			}
		}
	}
	if !parsed {
		return nil, false
	}

	sort.Slice(failed, func(i, j int) bool {
		if failed[i].pkg != failed[j].pkg {
			return failed[i].pkg < failed[j].pkg
		}
		return failed[i].test < failed[j].test
	})
	for _, key := range failed {
		message := strings.TrimSpace(strings.Join(outputs[key], ""))
		failure := models.TestFailure{Name: key.test, Message: message}
		if m := testFileRe.FindStringSubmatch(message); m != nil {
			failure.File = m[1]
		}
		counts.Failures = append(counts.Failures, failure)
	}
	return counts, true
}

// outputTail returns the last lines of output for a fallback error message.
func outputTail(output string) string {
	trimmed := strings.TrimRight(output, "\n")
	if trimmed == "" {
		return "command failed with no output"
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return strings.Join(lines, "\n")
}
