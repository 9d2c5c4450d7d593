package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"forge.control/internal/model"
	"forge.control/internal/modelclient"
)

// Planner turns a run's prompt into an ordered multi-phase plan. The
// orchestrator invokes it during the planning state when the run was
// submitted without an approved plan.
type Planner interface {
	Plan(ctx context.Context, run model.Run) ([]model.Phase, error)
}

// planDocument is the JSON shape a plan is parsed from, whether authored
// by a caller or produced by the planning model.
type planDocument struct {
	Phases []model.Phase `json:"phases"`
}

// ParsePlan parses a JSON plan document into ordered phases, filling in
// missing phase numbers and validating that every step names a task
// type.
func ParsePlan(raw []byte) ([]model.Phase, error) {
	var doc planDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing plan document: %w", err)
	}
	if len(doc.Phases) == 0 {
		return nil, fmt.Errorf("plan has no phases")
	}
	for i := range doc.Phases {
		if doc.Phases[i].Number == 0 {
			doc.Phases[i].Number = i + 1
		}
		if doc.Phases[i].Name == "" {
			return nil, fmt.Errorf("phase %d has no name", doc.Phases[i].Number)
		}
		for j, step := range doc.Phases[i].Steps {
			if step.TaskType == "" {
				return nil, fmt.Errorf("phase %d step %d has no task_type", doc.Phases[i].Number, j)
			}
		}
	}
	return doc.Phases, nil
}

// ModelPlanner asks the Model Client for a plan document and parses it.
type ModelPlanner struct {
	Client    modelclient.Client
	Model     string
	Provider  model.Provider
	MaxTokens int
}

const planSystemPrompt = `You are a planning assistant. Produce a JSON object
{"phases":[{"number":1,"name":"...","detail":"...","steps":[{"task_type":"shell|code|browser|synthesis","input":{...}}]}]}
and nothing else.`

func (p *ModelPlanner) Plan(ctx context.Context, run model.Run) ([]model.Phase, error) {
	prompt := run.CurrentAction
	if prompt == "" {
		prompt = fmt.Sprintf("Plan the work for run %s", run.ID)
	}
	resp, err := p.Client.Complete(ctx, modelclient.Request{
		Model:     p.Model,
		Provider:  p.Provider,
		System:    planSystemPrompt,
		Prompt:    prompt,
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("planning completion: %w", err)
	}
	return ParsePlan([]byte(extractJSON(resp.Text)))
}

// extractJSON trims any prose the model wrapped around the plan object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// BuildSubtasks expands a plan into subtask rows: one per step, indexed
// in plan order, with every step of a phase depending on every subtask
// of the previous phase (a phase barrier).
func BuildSubtasks(run model.Run, phases []model.Phase) []model.Subtask {
	var out []model.Subtask
	var prevPhaseIDs []string
	index := 0
	for _, phase := range phases {
		var phaseIDs []string
		for _, step := range phase.Steps {
			st := model.Subtask{
				ID:           uuid.NewString(),
				RunID:        run.ID,
				SubtaskIndex: index,
				TaskType:     step.TaskType,
				State:        model.SubtaskPending,
				Input:        step.Input,
				Dependencies: append([]string(nil), prevPhaseIDs...),
			}
			out = append(out, st)
			phaseIDs = append(phaseIDs, st.ID)
			index++
		}
		if len(phaseIDs) > 0 {
			prevPhaseIDs = phaseIDs
		}
	}
	return out
}
