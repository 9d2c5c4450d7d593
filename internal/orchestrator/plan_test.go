package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge.control/internal/model"
)

func TestParsePlan(t *testing.T) {
	raw := []byte(`{
		"phases": [
			{"name": "gather", "steps": [{"task_type": "shell", "input": {"command": "ls"}}]},
			{"name": "summarize", "steps": [{"task_type": "synthesis", "input": {"prompt": "summarize"}}]}
		]
	}`)
	phases, err := ParsePlan(raw)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	require.Equal(t, 1, phases[0].Number, "missing phase numbers are filled in order")
	require.Equal(t, 2, phases[1].Number)
	require.Equal(t, "shell", phases[0].Steps[0].TaskType)
}

func TestParsePlanRejectsBadDocuments(t *testing.T) {
	_, err := ParsePlan([]byte(`{"phases": []}`))
	require.Error(t, err)

	_, err = ParsePlan([]byte(`{"phases": [{"name": ""}]}`))
	require.Error(t, err)

	_, err = ParsePlan([]byte(`{"phases": [{"name": "x", "steps": [{"input": {}}]}]}`))
	require.Error(t, err, "steps must name a task_type")

	_, err = ParsePlan([]byte(`not json`))
	require.Error(t, err)
}

func TestExtractJSONTrimsProse(t *testing.T) {
	text := "Here is your plan:\n{\"phases\":[{\"name\":\"x\"}]}\nLet me know!"
	phases, err := ParsePlan([]byte(extractJSON(text)))
	require.NoError(t, err)
	require.Len(t, phases, 1)
}

func TestBuildSubtasksPhaseBarrier(t *testing.T) {
	run := model.Run{ID: "run-1"}
	phases := []model.Phase{
		{Number: 1, Name: "gather", Steps: []model.PlanStep{{TaskType: "shell"}, {TaskType: "browser"}}},
		{Number: 2, Name: "summarize", Steps: []model.PlanStep{{TaskType: "synthesis"}}},
	}

	subtasks := BuildSubtasks(run, phases)
	require.Len(t, subtasks, 3)
	require.Equal(t, []int{0, 1, 2}, []int{subtasks[0].SubtaskIndex, subtasks[1].SubtaskIndex, subtasks[2].SubtaskIndex})

	require.Empty(t, subtasks[0].Dependencies)
	require.Empty(t, subtasks[1].Dependencies)
	require.ElementsMatch(t, []string{subtasks[0].ID, subtasks[1].ID}, subtasks[2].Dependencies,
		"second-phase work depends on every first-phase subtask")
}

type staticPlanner struct {
	phases []model.Phase
}

func (p *staticPlanner) Plan(ctx context.Context, run model.Run) ([]model.Phase, error) {
	return p.phases, nil
}

func TestRunOncePlansAndDispatchesSubtasks(t *testing.T) {
	ctx := context.Background()
	orch, store := newTestOrchestrator(t)

	input, _ := json.Marshal(map[string]string{"command": "ls"})
	orch.SetPlanner(&staticPlanner{phases: []model.Phase{
		{Number: 1, Name: "list", Steps: []model.PlanStep{{TaskType: "shell", Input: input}}},
	}})

	run := &model.Run{UserID: "user-1"}
	require.NoError(t, orch.SubmitRun(ctx, run))

	progressed, err := orch.RunOnce(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, progressed)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunExecuting, got.State, "run waits in executing while subtasks are in flight")
	require.Len(t, got.Plan, 1, "the generated plan is persisted")

	subtasks, err := store.ListSubtasks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	require.Equal(t, model.SubtaskQueued, subtasks[0].State)
}
