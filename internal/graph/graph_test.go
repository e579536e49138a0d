package graph

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nexusdev/nexus/pkg/models"
)

func task(id string, priority models.TaskPriority, deps ...string) models.Task {
	return models.Task{ID: id, Title: id, Priority: priority, DependsOn: deps}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build([]models.Task{task("a", models.PriorityNormal, "ghost")})
	if err == nil {
		t.Fatal("expected an error for an unknown dependency")
	}
	if !strings.Contains(err.Error(), "unknown task ghost") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestBuildRejectsDuplicateIDs(t *testing.T) {
	_, err := Build([]models.Task{
		task("a", models.PriorityNormal),
		task("a", models.PriorityNormal),
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate task ID") {
		t.Fatalf("error = %v", err)
	}
}

func TestWavesLinearChain(t *testing.T) {
	g, err := Build([]models.Task{
		task("a", models.PriorityNormal),
		task("b", models.PriorityNormal, "a"),
		task("c", models.PriorityNormal, "b"),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	waves, err := g.Waves()
	if err != nil {
		t.Fatalf("Waves: %v", err)
	}
	if len(waves) != 3 {
		t.Fatalf("expected 3 waves, got %d", len(waves))
	}
	for i, want := range []string{"a", "b", "c"} {
		if waves[i].Index != i {
			t.Errorf("wave %d index = %d", i, waves[i].Index)
		}
		if len(waves[i].TaskIDs) != 1 || waves[i].TaskIDs[0] != want {
			t.Errorf("wave %d = %v, want [%s]", i, waves[i].TaskIDs, want)
		}
	}
}

func TestWavesDiamond(t *testing.T) {
	g, err := Build([]models.Task{
		task("a", models.PriorityNormal),
		task("b", models.PriorityNormal, "a"),
		task("c", models.PriorityNormal, "a"),
		task("d", models.PriorityNormal, "b", "c"),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	waves, err := g.Waves()
	if err != nil {
		t.Fatalf("Waves: %v", err)
	}
	if len(waves) != 3 {
		t.Fatalf("expected 3 waves, got %d", len(waves))
	}
	if len(waves[1].TaskIDs) != 2 || waves[1].TaskIDs[0] != "b" || waves[1].TaskIDs[1] != "c" {
		t.Errorf("wave 1 = %v, want [b c] in insertion order", waves[1].TaskIDs)
	}
}

func TestWavesPriorityOrderWithinWave(t *testing.T) {
	g, err := Build([]models.Task{
		task("slow", models.PriorityLow),
		task("hot", models.PriorityCritical),
		task("mid", models.PriorityNormal),
		task("mid2", models.PriorityNormal),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	waves, err := g.Waves()
	if err != nil {
		t.Fatalf("Waves: %v", err)
	}
	if len(waves) != 1 {
		t.Fatalf("expected 1 wave, got %d", len(waves))
	}
	want := []string{"hot", "mid", "mid2", "slow"}
	for i, id := range want {
		if waves[0].TaskIDs[i] != id {
			t.Fatalf("wave order = %v, want %v", waves[0].TaskIDs, want)
		}
	}
}

func TestWavesRefusesCycles(t *testing.T) {
	g, err := Build([]models.Task{
		task("a", models.PriorityNormal),
		task("b", models.PriorityNormal, "c"),
		task("c", models.PriorityNormal, "b"),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	waves, err := g.Waves()
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if waves != nil {
		t.Error("a cyclic plan must not be partially scheduled")
	}
	if !errors.Is(err, ErrCycle) {
		t.Errorf("error = %v, want ErrCycle", err)
	}
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %T, want *CycleError", err)
	}
	if len(cycle.Remaining) != 2 || cycle.Remaining[0] != "b" || cycle.Remaining[1] != "c" {
		t.Errorf("remaining = %v, want [b c]", cycle.Remaining)
	}
}

func TestTransitiveDependents(t *testing.T) {
	g, err := Build([]models.Task{
		task("a", models.PriorityNormal),
		task("b", models.PriorityNormal, "a"),
		task("c", models.PriorityNormal, "a"),
		task("d", models.PriorityNormal, "b", "c"),
		task("e", models.PriorityNormal),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	got := g.TransitiveDependents("a")
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("dependents of a = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dependents of a = %v, want %v", got, want)
		}
	}

	if got := g.TransitiveDependents("b"); len(got) != 1 || got[0] != "d" {
		t.Errorf("dependents of b = %v, want [d]", got)
	}
	if got := g.TransitiveDependents("e"); len(got) != 0 {
		t.Errorf("dependents of e = %v, want none", got)
	}
}

func TestTasksKeepsInsertionOrder(t *testing.T) {
	g, err := Build([]models.Task{
		task("z", models.PriorityLow),
		task("a", models.PriorityCritical),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tasks := g.Tasks()
	if tasks[0].ID != "z" || tasks[1].ID != "a" {
		t.Errorf("tasks = %v, want insertion order", tasks)
	}
	if g.Size() != 2 {
		t.Errorf("size = %d", g.Size())
	}
}

// randomDAG derives a task set from a seed: task i may only depend on
// earlier tasks, so the set is acyclic by construction.
func randomDAG(n int, seed int64) []models.Task {
	rng := rand.New(rand.NewSource(seed))
	priorities := []models.TaskPriority{
		models.PriorityCritical, models.PriorityHigh,
		models.PriorityNormal, models.PriorityLow,
	}
	tasks := make([]models.Task, n)
	for i := range tasks {
		tasks[i] = models.Task{
			ID:       ids(i),
			Priority: priorities[rng.Intn(len(priorities))],
		}
		for j := 0; j < i; j++ {
			if rng.Intn(3) == 0 {
				tasks[i].DependsOn = append(tasks[i].DependsOn, ids(j))
			}
		}
	}
	return tasks
}

func ids(i int) string {
	return string(rune('a'+i/10)) + string(rune('0'+i%10))
}

func TestWavesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("waves respect dependencies and are deterministic", prop.ForAll(
		func(n int, seed int64) bool {
			tasks := randomDAG(n, seed)
			g, err := Build(tasks)
			if err != nil {
				return false
			}
			waves, err := g.Waves()
			if err != nil {
				return false
			}

			waveOf := make(map[string]int)
			for _, wave := range waves {
				for _, id := range wave.TaskIDs {
					if _, dup := waveOf[id]; dup {
						return false
					}
					waveOf[id] = wave.Index
				}
			}
			if len(waveOf) != len(tasks) {
				return false
			}
			for _, task := range tasks {
				for _, dep := range task.DependsOn {
					if waveOf[dep] >= waveOf[task.ID] {
						return false
					}
				}
			}
			for _, wave := range waves {
				for i := 1; i < len(wave.TaskIDs); i++ {
					prev, _ := g.Task(wave.TaskIDs[i-1])
					cur, _ := g.Task(wave.TaskIDs[i])
					if prev.Priority.Rank() > cur.Priority.Rank() {
						return false
					}
				}
			}

			again, err := g.Waves()
			if err != nil || len(again) != len(waves) {
				return false
			}
			for i := range waves {
				if len(again[i].TaskIDs) != len(waves[i].TaskIDs) {
					return false
				}
				for j := range waves[i].TaskIDs {
					if again[i].TaskIDs[j] != waves[i].TaskIDs[j] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 14),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
