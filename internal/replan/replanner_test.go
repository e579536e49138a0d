package replan

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/pkg/models"
)

func TestEvaluateQuietContext(t *testing.T) {
	ec := models.ExecutionContext{
		TaskID:           "t1",
		EstimatedMinutes: 30,
		Elapsed:          10 * time.Minute,
		Iteration:        2,
		MaxIterations:    50,
	}
	decision := Evaluate(DefaultThresholds(), ec)
	if decision.Replan {
		t.Fatalf("quiet context triggered a replan: %+v", decision)
	}
	if decision.Action != models.ReplanContinue {
		t.Errorf("action = %s, want continue", decision.Action)
	}
	if decision.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", decision.Confidence)
	}
}

func TestEvaluateAggregatesConcurrentTriggers(t *testing.T) {
	ec := models.ExecutionContext{
		TaskID:              "t1",
		EstimatedMinutes:    10,
		Elapsed:             40 * time.Minute, // 4x: fires at full strength
		Iteration:           30,
		MaxIterations:       50, // 0.6 > 0.4
		ConsecutiveFailures: 8,  // > 5
	}
	decision := Evaluate(DefaultThresholds(), ec)
	if !decision.Replan {
		t.Fatal("expected a replan decision")
	}
	if len(decision.Signals) != 3 {
		t.Fatalf("signals = %d, want 3: %+v", len(decision.Signals), decision.Signals)
	}
	// Max is 1.0 from time_exceeded, boosted by two extra triggers,
	// clamped to the ceiling.
	if decision.Confidence != maxConfidence {
		t.Errorf("confidence = %v, want clamp at %v", decision.Confidence, maxConfidence)
	}
	if decision.Signals[0].Trigger != models.TriggerTimeExceeded {
		t.Errorf("strongest signal = %s, want time_exceeded", decision.Signals[0].Trigger)
	}
	if decision.Action != models.ReplanReestimate {
		t.Errorf("action = %s, want the strongest trigger's action", decision.Action)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	th := DefaultThresholds()
	properties.Property("same context yields same decision", prop.ForAll(
		func(estimated, elapsedMin, iter, max, fails int, feedback bool) bool {
			ec := models.ExecutionContext{
				TaskID:              "p",
				EstimatedMinutes:    estimated,
				Elapsed:             time.Duration(elapsedMin) * time.Minute,
				Iteration:           iter,
				MaxIterations:       max,
				ConsecutiveFailures: fails,
			}
			if feedback {
				ec.AgentFeedback = "needs a split"
			}
			first := Evaluate(th, ec)
			second := Evaluate(th, ec)
			if first.Confidence < 0 || first.Confidence > maxConfidence {
				return false
			}
			return reflect.DeepEqual(first, second)
		},
		gen.IntRange(0, 120),
		gen.IntRange(0, 600),
		gen.IntRange(0, 60),
		gen.IntRange(0, 60),
		gen.IntRange(0, 20),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestMonitorSweepPublishesOnce(t *testing.T) {
	b := bus.New()
	var decisions []*models.ReplanDecision
	b.Subscribe(bus.ReplanDecision, func(e bus.Event) {
		decisions = append(decisions, e.Payload.(bus.ReplanPayload).Decision)
	})

	m := NewMonitor(DefaultThresholds(), b)
	m.Watch(models.ExecutionContext{
		TaskID:           "hot",
		EstimatedMinutes: 10,
		Elapsed:          30 * time.Minute,
		MaxIterations:    50,
	})
	m.Watch(models.ExecutionContext{
		TaskID:           "calm",
		EstimatedMinutes: 30,
		Elapsed:          time.Minute,
		MaxIterations:    50,
	})

	now := time.Now()
	out := m.Sweep(now)
	if len(out) != 1 || out[0].TaskID != "hot" {
		t.Fatalf("sweep = %+v, want one decision for hot", out)
	}
	if len(decisions) != 1 {
		t.Fatalf("published = %d, want 1", len(decisions))
	}
	if !decisions[0].EvaluatedAt.Equal(now) {
		t.Errorf("EvaluatedAt = %v, want sweep time", decisions[0].EvaluatedAt)
	}

	// A second sweep stays quiet about the already-flagged task.
	if out := m.Sweep(now.Add(time.Minute)); len(out) != 0 {
		t.Errorf("second sweep re-announced: %+v", out)
	}
}

func TestMonitorUpdateAdjustsContext(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil)
	m.Watch(models.ExecutionContext{TaskID: "t", EstimatedMinutes: 10, MaxIterations: 50})

	m.Update("t", func(ec *models.ExecutionContext) {
		ec.Elapsed = 40 * time.Minute
	})

	out := m.Sweep(time.Now())
	if len(out) != 1 {
		t.Fatalf("sweep after update = %+v, want one decision", out)
	}

	// Updating an unknown task is a no-op.
	m.Update("ghost", func(ec *models.ExecutionContext) { ec.Elapsed = time.Hour })
}

func TestMonitorUnwatchStopsEvaluation(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil)
	m.Watch(models.ExecutionContext{
		TaskID:           "t",
		EstimatedMinutes: 1,
		Elapsed:          time.Hour,
	})
	m.Unwatch("t")
	if out := m.Sweep(time.Now()); len(out) != 0 {
		t.Errorf("sweep evaluated an unwatched task: %+v", out)
	}
	if got := m.Watched(); len(got) != 0 {
		t.Errorf("watched = %v, want empty", got)
	}
}

func TestHandleAgentRequestValidatesTask(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil)
	_, err := m.HandleAgentRequest("ghost", AgentRequest{Reason: "lost"})
	if err == nil || !strings.Contains(err.Error(), "not under replan monitoring") {
		t.Fatalf("err = %v, want unmonitored-task rejection", err)
	}
}

func TestHandleAgentRequestRequiresReason(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil)
	m.Watch(models.ExecutionContext{TaskID: "t"})
	if _, err := m.HandleAgentRequest("t", AgentRequest{Reason: "  "}); err == nil {
		t.Fatal("expected an error for an empty reason")
	}
}

func TestHandleAgentRequestHonorsSuggestion(t *testing.T) {
	b := bus.New()
	var kinds []bus.Kind
	b.SubscribeAll(func(e bus.Event) { kinds = append(kinds, e.Kind) })

	m := NewMonitor(DefaultThresholds(), b)
	m.Watch(models.ExecutionContext{TaskID: "t", EstimatedMinutes: 30, MaxIterations: 50})

	decision, err := m.HandleAgentRequest("t", AgentRequest{
		Reason:     "schema rework needed first",
		Suggestion: "escalate",
	})
	if err != nil {
		t.Fatalf("HandleAgentRequest: %v", err)
	}
	if !decision.Replan {
		t.Fatal("agent request did not produce a replan decision")
	}
	if decision.Action != models.ReplanEscalate {
		t.Errorf("action = %s, want the agent's escalate suggestion", decision.Action)
	}

	wantKinds := []bus.Kind{bus.ReplanRequested, bus.ReplanDecision}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Errorf("events = %v, want %v", kinds, wantKinds)
	}
}

func TestHandleAgentRequestIgnoresBogusSuggestion(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil)
	m.Watch(models.ExecutionContext{TaskID: "t"})

	decision, err := m.HandleAgentRequest("t", AgentRequest{
		Reason:     "stuck",
		Suggestion: "give-up-entirely",
	})
	if err != nil {
		t.Fatalf("HandleAgentRequest: %v", err)
	}
	if decision.Action != models.ReplanSplit {
		t.Errorf("action = %s, want the default split for agent requests", decision.Action)
	}
}

func TestAgentHandlerRoundTrip(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil)
	m.Watch(models.ExecutionContext{TaskID: "t"})

	handler := m.AgentHandler("t")
	input, _ := json.Marshal(AgentRequest{Reason: "two features hiding in one task"})
	msg, err := handler(context.Background(), input)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.Contains(msg, "split") {
		t.Errorf("tool result = %q, want the recommended action named", msg)
	}

	if _, err := handler(context.Background(), json.RawMessage(`{bad`)); err == nil {
		t.Error("expected a parse error for malformed input")
	}
}
