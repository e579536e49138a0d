package qa

import (
	"fmt"
	"strings"
	"testing"

	"github.com/nexusdev/nexus/pkg/models"
)

func TestParseBuildOutput(t *testing.T) {
	output := `# github.com/acme/api
./handler.go:42:9: undefined: trace
./handler.go:57:2: missing return
`
	errs := parseBuildOutput(output)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	first := errs[0]
	if first.Kind != models.ErrKindCompile {
		t.Errorf("kind = %q, want %q", first.Kind, models.ErrKindCompile)
	}
	if first.File != "./handler.go" || first.Line != 42 {
		t.Errorf("location = %s:%d, want ./handler.go:42", first.File, first.Line)
	}
	if first.Message != "undefined: trace" {
		t.Errorf("message = %q, want %q", first.Message, "undefined: trace")
	}
	if errs[1].Line != 57 || errs[1].Message != "missing return" {
		t.Errorf("second error = %+v", errs[1])
	}
}

func TestParseBuildOutputNoDiagnostics(t *testing.T) {
	if errs := parseBuildOutput("compile failed\nsee above\n"); len(errs) != 0 {
		t.Errorf("expected no errors for free-form output, got %v", errs)
	}
	if errs := parseBuildOutput(""); len(errs) != 0 {
		t.Errorf("expected no errors for empty output, got %v", errs)
	}
}

func TestParseBuildOutputCapsErrors(t *testing.T) {
	var lines []string
	for i := 0; i < maxParsedErrors+10; i++ {
		lines = append(lines, fmt.Sprintf("./gen.go:%d:1: too many errors", i+1))
	}
	errs := parseBuildOutput(strings.Join(lines, "\n"))
	if len(errs) != maxParsedErrors {
		t.Errorf("expected cap of %d errors, got %d", maxParsedErrors, len(errs))
	}
}

func TestParseLintOutputJSON(t *testing.T) {
	report := `{"Issues":[
		{"FromLinter":"govet","Text":"unreachable code","Severity":"error","Pos":{"Filename":"main.go","Line":10}},
		{"FromLinter":"revive","Text":"exported func missing comment","Severity":"warning","Pos":{"Filename":"api.go","Line":3}},
		{"FromLinter":"gocritic","Text":"hugeParam: s is heavy","Severity":"info","Pos":{"Filename":"svc.go","Line":8}},
		{"FromLinter":"staticcheck","Text":"SA4006: value never used","Severity":"","Pos":{"Filename":"main.go","Line":22}}
	]}`

	errs, warnings := parseLintOutput(report)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].File != "main.go" || errs[0].Line != 10 {
		t.Errorf("first error location = %s:%d, want main.go:10", errs[0].File, errs[0].Line)
	}
	if errs[0].Message != "unreachable code (govet)" {
		t.Errorf("first error message = %q", errs[0].Message)
	}
	if errs[0].Kind != models.ErrKindLint {
		t.Errorf("kind = %q, want %q", errs[0].Kind, models.ErrKindLint)
	}
	// Empty severity is treated as an error, matching golangci-lint's default.
	if errs[1].Message != "SA4006: value never used (staticcheck)" {
		t.Errorf("second error message = %q", errs[1].Message)
	}

	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
	if warnings[0] != "api.go:3: exported func missing comment (revive)" {
		t.Errorf("first warning = %q", warnings[0])
	}
}

func TestParseLintOutputPlainDiagnostics(t *testing.T) {
	output := "# github.com/acme/api\nmain.go:14:2: unreachable code\n"
	errs, warnings := parseLintOutput(output)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	if errs[0].File != "main.go" || errs[0].Line != 14 || errs[0].Message != "unreachable code" {
		t.Errorf("error = %+v", errs[0])
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestParseLintOutputEmpty(t *testing.T) {
	errs, warnings := parseLintOutput("   \n")
	if len(errs) != 0 || len(warnings) != 0 {
		t.Errorf("expected nothing, got errs=%v warnings=%v", errs, warnings)
	}
}

func TestParseTestOutputStream(t *testing.T) {
	stream := strings.Join([]string{
		`{"Action":"run","Package":"example.com/pkg","Test":"TestAdd"}`,
		`{"Action":"pass","Package":"example.com/pkg","Test":"TestAdd","Elapsed":0.01}`,
		`{"Action":"run","Package":"example.com/pkg","Test":"TestDiv/by_zero"}`,
		`{"Action":"output","Package":"example.com/pkg","Test":"TestDiv/by_zero","Output":"    div_test.go:21: want error, got nil\n"}`,
		`{"Action":"fail","Package":"example.com/pkg","Test":"TestDiv/by_zero","Elapsed":0.02}`,
		`{"Action":"skip","Package":"example.com/pkg","Test":"TestSlow"}`,
		`{"Action":"fail","Package":"example.com/pkg","Elapsed":0.05}`,
	}, "\n")

	counts, parsed := parseTestOutput(stream)
	if !parsed {
		t.Fatal("expected the stream to parse")
	}
	if counts.Passed != 1 || counts.Failed != 1 || counts.Skipped != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", counts.Passed, counts.Failed, counts.Skipped)
	}
	if len(counts.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(counts.Failures))
	}
	f := counts.Failures[0]
	if f.Name != "TestDiv/by_zero" {
		t.Errorf("failure name = %q, want %q", f.Name, "TestDiv/by_zero")
	}
	if f.Message != "div_test.go:21: want error, got nil" {
		t.Errorf("failure message = %q", f.Message)
	}
	if f.File != "div_test.go" {
		t.Errorf("failure file = %q, want %q", f.File, "div_test.go")
	}
}

func TestParseTestOutputSortsFailures(t *testing.T) {
	stream := strings.Join([]string{
		`{"Action":"fail","Package":"example.com/b","Test":"TestZ"}`,
		`{"Action":"fail","Package":"example.com/a","Test":"TestM"}`,
		`{"Action":"fail","Package":"example.com/a","Test":"TestA"}`,
	}, "\n")

	counts, parsed := parseTestOutput(stream)
	if !parsed {
		t.Fatal("expected the stream to parse")
	}
	var names []string
	for _, f := range counts.Failures {
		names = append(names, f.Name)
	}
	want := []string{"TestA", "TestM", "TestZ"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("failure order = %v, want %v", names, want)
		}
	}
}

func TestParseTestOutputNotParseable(t *testing.T) {
	counts, parsed := parseTestOutput("ok  \texample.com/pkg\t0.5s\n")
	if parsed {
		t.Errorf("expected plain text to not parse, got %+v", counts)
	}
}

func TestOutputTail(t *testing.T) {
	var long []string
	for i := 0; i < tailLines+5; i++ {
		long = append(long, fmt.Sprintf("line %d", i+1))
	}

	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"empty", "", "command failed with no output"},
		{"only newlines", "\n\n", "command failed with no output"},
		{"short", "one\ntwo\n", "one\ntwo"},
		{"long keeps tail", strings.Join(long, "\n"), strings.Join(long[5:], "\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outputTail(tt.output); got != tt.want {
				t.Errorf("outputTail() = %q, want %q", got, tt.want)
			}
		})
	}
}
