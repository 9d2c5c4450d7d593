package sandbox

import (
	"context"
	"fmt"

	"forge.control/internal/model"
)

// Exec runs a command inside an assigned sandbox: the sandbox is marked
// busy for the duration, and its metrics are updated from the result.
func (p *Pool) Exec(ctx context.Context, sandboxID string, cmd []string) (stdout string, exitCode int, err error) {
	handle, err := p.markBusy(sandboxID)
	if err != nil {
		return "", 0, err
	}

	stdout, exitCode, err = p.backend.Exec(ctx, handle, cmd)
	p.RecordExecution(sandboxID, 0, 0, exitCode, err == nil && exitCode == 0)
	p.markAssigned(sandboxID)
	return stdout, exitCode, err
}

// WriteFile copies content into an assigned sandbox's filesystem.
func (p *Pool) WriteFile(ctx context.Context, sandboxID, path string, content []byte) error {
	handle, err := p.markBusy(sandboxID)
	if err != nil {
		return err
	}
	err = p.backend.Write(ctx, handle, path, content)
	p.markAssigned(sandboxID)
	return err
}

// ReadFile copies a file out of an assigned sandbox's filesystem.
func (p *Pool) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	handle, err := p.markBusy(sandboxID)
	if err != nil {
		return nil, err
	}
	out, err := p.backend.Read(ctx, handle, path)
	p.markAssigned(sandboxID)
	return out, err
}

func (p *Pool) markBusy(sandboxID string) (handle string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return "", fmt.Errorf("unknown sandbox %s", sandboxID)
	}
	if sb.State != model.SandboxAssigned && sb.State != model.SandboxBusy {
		return "", fmt.Errorf("sandbox %s is %s, not assigned", sandboxID, sb.State)
	}
	sb.State = model.SandboxBusy
	return sb.BackendHandle, nil
}

func (p *Pool) markAssigned(sandboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sb, ok := p.sandboxes[sandboxID]; ok && sb.State == model.SandboxBusy {
		sb.State = model.SandboxAssigned
	}
}
