package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"forge.control/internal/billing"
	"forge.control/internal/model"
	"forge.control/internal/modelclient"
	"forge.control/internal/sandbox"
)

// ExecRequest carries everything an executor needs for one attempt.
type ExecRequest struct {
	Run     model.Run
	Subtask model.Subtask
	Sandbox *model.Sandbox // nil for executors that declared NeedsSandbox false
}

// ExecResult is a successful attempt's output plus optional token usage
// for billing.
type ExecResult struct {
	Output []byte
	Usage  *modelclient.Usage
	Model  string
}

// Executor handles one task_type. Dispatch is table-driven through the
// Registry rather than open-ended inheritance.
type Executor interface {
	TaskType() string
	NeedsSandbox() bool
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// Registry maps task_type tags to executors.
type Registry struct {
	byType map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{byType: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		r.byType[ex.TaskType()] = ex
	}
	return r
}

func (r *Registry) Register(ex Executor) { r.byType[ex.TaskType()] = ex }

// For returns the executor for a task type, or an error for unknown tags.
func (r *Registry) For(taskType string) (Executor, error) {
	ex, ok := r.byType[taskType]
	if !ok {
		return nil, fmt.Errorf("no executor registered for task type %q", taskType)
	}
	return ex, nil
}

// shellInput is the opaque input payload a shell subtask carries.
type shellInput struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout_seconds,omitempty"`
}

// ShellExecutor runs a command inside the subtask's sandbox.
type ShellExecutor struct {
	Pool *sandbox.Pool
}

func (e *ShellExecutor) TaskType() string   { return "shell" }
func (e *ShellExecutor) NeedsSandbox() bool { return true }

func (e *ShellExecutor) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	var in shellInput
	if err := json.Unmarshal(req.Subtask.Input, &in); err != nil {
		return nil, fmt.Errorf("decoding shell input: %w", err)
	}
	if strings.TrimSpace(in.Command) == "" {
		return nil, fmt.Errorf("shell subtask has empty command")
	}

	stdout, exitCode, err := e.Pool.Exec(ctx, req.Sandbox.ID, []string{"sh", "-c", in.Command})
	if err != nil {
		return nil, fmt.Errorf("executing shell command: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("shell command exited %d: %s", exitCode, truncate(stdout, 512))
	}
	return &ExecResult{Output: []byte(stdout)}, nil
}

// codeInput is the opaque input payload a code subtask carries.
type codeInput struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

var interpreters = map[string]struct {
	path string
	cmd  []string
}{
	"python": {"/tmp/task.py", []string{"python3", "/tmp/task.py"}},
	"node":   {"/tmp/task.js", []string{"node", "/tmp/task.js"}},
	"bash":   {"/tmp/task.sh", []string{"bash", "/tmp/task.sh"}},
}

// CodeExecutor writes a source file into the sandbox and runs it with
// the matching interpreter.
type CodeExecutor struct {
	Pool *sandbox.Pool
}

func (e *CodeExecutor) TaskType() string   { return "code" }
func (e *CodeExecutor) NeedsSandbox() bool { return true }

func (e *CodeExecutor) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	var in codeInput
	if err := json.Unmarshal(req.Subtask.Input, &in); err != nil {
		return nil, fmt.Errorf("decoding code input: %w", err)
	}
	interp, ok := interpreters[in.Language]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", in.Language)
	}

	if err := e.Pool.WriteFile(ctx, req.Sandbox.ID, interp.path, []byte(in.Code)); err != nil {
		return nil, fmt.Errorf("writing code file: %w", err)
	}
	stdout, exitCode, err := e.Pool.Exec(ctx, req.Sandbox.ID, interp.cmd)
	if err != nil {
		return nil, fmt.Errorf("running code: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("code exited %d: %s", exitCode, truncate(stdout, 512))
	}
	return &ExecResult{Output: []byte(stdout)}, nil
}

// browserInput is the opaque input payload a browser subtask carries.
type browserInput struct {
	URL string `json:"url"`
}

// BrowserExecutor fetches a URL from inside the sandbox so network
// egress stays subject to the sandbox's policy.
type BrowserExecutor struct {
	Pool *sandbox.Pool
}

func (e *BrowserExecutor) TaskType() string   { return "browser" }
func (e *BrowserExecutor) NeedsSandbox() bool { return true }

func (e *BrowserExecutor) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	var in browserInput
	if err := json.Unmarshal(req.Subtask.Input, &in); err != nil {
		return nil, fmt.Errorf("decoding browser input: %w", err)
	}
	if in.URL == "" {
		return nil, fmt.Errorf("browser subtask has empty url")
	}
	stdout, exitCode, err := e.Pool.Exec(ctx, req.Sandbox.ID, []string{"curl", "-sL", "--max-time", "30", in.URL})
	if err != nil {
		return nil, fmt.Errorf("fetching url: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("fetch exited %d", exitCode)
	}
	return &ExecResult{Output: []byte(stdout)}, nil
}

// modelInput is the opaque input payload a model-backed subtask carries.
type modelInput struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// ModelExecutor serves the model-backed task types (synthesis,
// validation): it estimates the call's cost, checks the org budget,
// completes through the Model Client, and bills the reported usage
// idempotently.
type ModelExecutor struct {
	Type         string
	Client       modelclient.Client
	Ledger       *billing.Ledger
	DefaultModel string
	Provider     model.Provider
}

func (e *ModelExecutor) TaskType() string   { return e.Type }
func (e *ModelExecutor) NeedsSandbox() bool { return false }

func (e *ModelExecutor) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	var in modelInput
	if err := json.Unmarshal(req.Subtask.Input, &in); err != nil {
		return nil, fmt.Errorf("decoding %s input: %w", e.Type, err)
	}
	modelName := in.Model
	if modelName == "" {
		modelName = e.DefaultModel
	}

	est, err := e.Ledger.EstimateCallCost(ctx, modelName, e.Provider, in.System+in.Prompt, in.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("estimating call cost: %w", err)
	}
	if err := e.Ledger.CheckBudget(ctx, req.Run.OrgID, est.CostUSD); err != nil {
		return nil, err
	}

	resp, err := e.Client.Complete(ctx, modelclient.Request{
		Model:     modelName,
		Provider:  e.Provider,
		System:    in.System,
		Prompt:    in.Prompt,
		MaxTokens: in.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("model completion: %w", err)
	}

	cost, err := e.Ledger.PriceUsage(ctx, modelName, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("pricing usage: %w", err)
	}
	// The idempotency key is attempt-scoped so a crashed worker retrying
	// the same attempt never double-charges.
	key := fmt.Sprintf("%s/%s/%d", req.Run.ID, req.Subtask.ID, req.Subtask.AttemptCount)
	if _, err := e.Ledger.BillTokenCall(ctx, model.TokenRecord{
		ID:             uuid.NewString(),
		RunID:          req.Run.ID,
		OrgID:          req.Run.OrgID,
		Model:          modelName,
		Provider:       e.Provider,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
		CostUSD:        cost,
		EstimatedUSD:   est.CostUSD,
		IdempotencyKey: key,
	}); err != nil {
		return nil, fmt.Errorf("billing token call: %w", err)
	}

	return &ExecResult{
		Output: []byte(resp.Text),
		Usage:  &resp.Usage,
		Model:  modelName,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
