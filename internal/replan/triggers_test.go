package replan

import (
	"strings"
	"testing"
	"time"

	"github.com/nexusdev/nexus/pkg/models"
)

func TestTimeExceededBoundary(t *testing.T) {
	th := DefaultThresholds()

	// Exactly at the ratio: 15m elapsed on a 10m estimate is 1.5x.
	atBoundary := models.ExecutionContext{
		TaskID:           "t1",
		EstimatedMinutes: 10,
		Elapsed:          15 * time.Minute,
	}
	if _, fired := timeExceeded(th, atBoundary); fired {
		t.Error("time_exceeded fired exactly at the threshold ratio")
	}

	over := atBoundary
	over.Elapsed = 15*time.Minute + time.Second
	sig, fired := timeExceeded(th, over)
	if !fired {
		t.Fatal("time_exceeded did not fire strictly above the threshold")
	}
	if sig.Trigger != models.TriggerTimeExceeded {
		t.Errorf("trigger = %s", sig.Trigger)
	}
	if sig.Confidence <= 0 || sig.Confidence > 1 {
		t.Errorf("confidence = %v, want (0, 1]", sig.Confidence)
	}
}

func TestTimeExceededNeedsEstimate(t *testing.T) {
	ec := models.ExecutionContext{TaskID: "t1", Elapsed: 10 * time.Hour}
	if _, fired := timeExceeded(DefaultThresholds(), ec); fired {
		t.Error("time_exceeded fired with no estimate to compare against")
	}
}

func TestIterationsHighBoundary(t *testing.T) {
	th := DefaultThresholds()

	at := models.ExecutionContext{TaskID: "t", Iteration: 4, MaxIterations: 10}
	if _, fired := iterationsHigh(th, at); fired {
		t.Error("iterations_high fired exactly at the threshold")
	}

	over := models.ExecutionContext{TaskID: "t", Iteration: 5, MaxIterations: 10}
	sig, fired := iterationsHigh(th, over)
	if !fired {
		t.Fatal("iterations_high did not fire above the threshold")
	}
	if sig.Confidence != 0.5 {
		t.Errorf("confidence = %v, want the iteration fraction 0.5", sig.Confidence)
	}
}

func TestScopeCreepCountsOnlyUndeclaredFiles(t *testing.T) {
	th := DefaultThresholds()
	ec := models.ExecutionContext{
		TaskID:        "t",
		ExpectedFiles: []string{"a.go", "b.go"},
		ModifiedFiles: []string{"a.go", "b.go", "x.go", "y.go", "z.go"},
	}
	// Three undeclared files: at the threshold, no fire.
	if _, fired := scopeCreep(th, ec); fired {
		t.Error("scope_creep fired at exactly the allowed count")
	}

	ec.ModifiedFiles = append(ec.ModifiedFiles, "w.go")
	sig, fired := scopeCreep(th, ec)
	if !fired {
		t.Fatal("scope_creep did not fire above the allowed count")
	}
	if !strings.Contains(sig.Reason, "4 modified files outside") {
		t.Errorf("reason = %q", sig.Reason)
	}
}

func TestScopeCreepInertWithoutDeclaredFiles(t *testing.T) {
	ec := models.ExecutionContext{
		TaskID:        "t",
		ModifiedFiles: []string{"a.go", "b.go", "c.go", "d.go", "e.go"},
	}
	if _, fired := scopeCreep(DefaultThresholds(), ec); fired {
		t.Error("scope_creep fired for a task that declared no files")
	}
}

func TestConsecutiveFailuresBoundary(t *testing.T) {
	th := DefaultThresholds()

	at := models.ExecutionContext{TaskID: "t", ConsecutiveFailures: 5}
	if _, fired := consecutiveFailures(th, at); fired {
		t.Error("consecutive_failures fired at exactly the threshold")
	}

	over := models.ExecutionContext{TaskID: "t", ConsecutiveFailures: 6}
	if _, fired := consecutiveFailures(th, over); !fired {
		t.Error("consecutive_failures did not fire above the threshold")
	}
}

func TestComplexityMatchesKeywords(t *testing.T) {
	th := DefaultThresholds()

	clean := models.ExecutionContext{TaskID: "t", RecentErrors: []string{"undefined: foo"}}
	if _, fired := complexity(th, clean); fired {
		t.Error("complexity fired on ordinary errors")
	}

	hairy := models.ExecutionContext{
		TaskID:       "t",
		RecentErrors: []string{"import cycle: Circular Dependency between a and b"},
	}
	sig, fired := complexity(th, hairy)
	if !fired {
		t.Fatal("complexity did not fire on a listed keyword")
	}
	if !strings.Contains(sig.Reason, "circular dependency") {
		t.Errorf("reason = %q", sig.Reason)
	}
}

func TestAgentRequestFiresOnFeedback(t *testing.T) {
	ec := models.ExecutionContext{TaskID: "t", AgentFeedback: "task is twice the declared size"}
	sig, fired := agentRequest(DefaultThresholds(), ec)
	if !fired {
		t.Fatal("agent_request did not fire with feedback present")
	}
	if sig.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", sig.Confidence)
	}
}
