// Package sandbox implements the warm pool of isolated execution
// environments: lifecycle transitions, per-sandbox metrics, and the
// three background loops (warmup, cleanup, expiry) that keep the pool
// topped up and bounded. The executor-dispatch shape is grounded on this
// codebase's tagged-interface Executor/Registry pattern; the pool
// lifecycle loops follow the worker pool's background-goroutine idiom.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"forge.control/internal/logging"
	"forge.control/internal/metrics"
	"forge.control/internal/model"
)

// Backend is the abstract Executor Backend the pool provisions sandboxes
// against; concrete providers live outside the core.
type Backend interface {
	Start(ctx context.Context, template string) (handle string, err error)
	Exec(ctx context.Context, handle string, cmd []string) (stdout string, exitCode int, err error)
	Write(ctx context.Context, handle, path string, content []byte) error
	Read(ctx context.Context, handle, path string) ([]byte, error)
	Kill(ctx context.Context, handle string) error
}

// Config tunes pool size, aging, and loop intervals per template.
type Config struct {
	MinPoolSize     int
	MaxPoolSize     int
	MaxSandboxAge   time.Duration
	MaxIdleSeconds  time.Duration
	WarmupInterval  time.Duration
	CleanupInterval time.Duration
	ExpiryInterval  time.Duration
	UnhealthyAfter  int // consecutive health-check failures

	// PrewarmScripts maps a template to the command the warmup loop runs
	// in each freshly created sandbox before it is considered ready.
	PrewarmScripts map[string][]string
}

func DefaultConfig() Config {
	return Config{
		MinPoolSize:     2,
		MaxPoolSize:     20,
		MaxSandboxAge:   time.Hour,
		MaxIdleSeconds:  5 * time.Minute,
		WarmupInterval:  30 * time.Second,
		CleanupInterval: 60 * time.Second,
		ExpiryInterval:  5 * time.Minute,
		UnhealthyAfter:  3,
	}
}

// Pool keeps a warm set of sandboxes per template.
type Pool struct {
	cfg     Config
	backend Backend
	log     *logging.Logger

	mu        sync.Mutex
	sandboxes map[string]*model.Sandbox // id -> sandbox
	templates map[string]bool           // known templates to keep warm
}

func New(cfg Config, backend Backend, log *logging.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		backend:   backend,
		log:       log,
		sandboxes: make(map[string]*model.Sandbox),
		templates: make(map[string]bool),
	}
}

func (p *Pool) countByTemplateState(template string, state model.SandboxState) int {
	n := 0
	for _, sb := range p.sandboxes {
		if sb.Template == template && sb.State == state {
			n++
		}
	}
	return n
}

func (p *Pool) totalCount() int { return len(p.sandboxes) }

// Acquire returns the first ready sandbox for template, transitioning it
// to assigned, or creates a fresh one unless the pool cap is hit.
func (p *Pool) Acquire(ctx context.Context, runID, template string) (*model.Sandbox, error) {
	p.mu.Lock()
	p.templates[template] = true
	for _, sb := range p.sandboxes {
		if sb.Template == template && sb.State == model.SandboxReady {
			sb.State = model.SandboxAssigned
			sb.RunID = runID
			sb.LastActivity = time.Now()
			cp := *sb
			p.exportStateGauges()
			p.mu.Unlock()
			return &cp, nil
		}
	}
	if p.totalCount() >= p.cfg.MaxPoolSize {
		p.mu.Unlock()
		return nil, nil
	}
	p.mu.Unlock()

	sb, err := p.create(ctx, template)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	sb.State = model.SandboxAssigned
	sb.RunID = runID
	p.exportStateGauges()
	p.mu.Unlock()
	cp := *sb
	return &cp, nil
}

func (p *Pool) create(ctx context.Context, template string) (*model.Sandbox, error) {
	handle, err := p.backend.Start(ctx, template)
	if err != nil {
		return nil, fmt.Errorf("starting sandbox backend: %w", err)
	}
	sb := &model.Sandbox{
		ID:            uuid.NewString(),
		Template:      template,
		State:         model.SandboxReady,
		CreatedAt:     time.Now(),
		LastActivity:  time.Now(),
		BackendHandle: handle,
	}
	p.mu.Lock()
	p.sandboxes[sb.ID] = sb
	p.exportStateGauges()
	p.mu.Unlock()
	return sb, nil
}

// Release returns a healthy, not-over-age sandbox to ready; otherwise it
// is terminated. recycle=false always terminates (e.g. after a crash).
func (p *Pool) Release(ctx context.Context, sandboxID string, recycle bool) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown sandbox %s", sandboxID)
	}
	healthy := recycle && sb.Metrics.Healthy(p.cfg.UnhealthyAfter) && sb.Age() < p.cfg.MaxSandboxAge
	if healthy {
		sb.State = model.SandboxReady
		sb.RunID = ""
		sb.LastActivity = time.Now()
		p.exportStateGauges()
		p.mu.Unlock()
		return nil
	}
	sb.State = model.SandboxDraining
	handle := sb.BackendHandle
	p.exportStateGauges()
	p.mu.Unlock()

	if err := p.backend.Kill(ctx, handle); err != nil {
		p.log.WithField("sandbox_id", sandboxID).WithError(err).Warn("killing sandbox")
	}

	p.mu.Lock()
	sb.State = model.SandboxTerminated
	delete(p.sandboxes, sandboxID)
	p.exportStateGauges()
	p.mu.Unlock()
	return nil
}

// RecordExecution updates a sandbox's live metrics after a run.
func (p *Pool) RecordExecution(sandboxID string, cpuPercent float64, memUsedMB int64, exitCode int, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return
	}
	sb.Metrics.CPUPercent = cpuPercent
	sb.Metrics.MemoryUsedMB = memUsedMB
	if memUsedMB > sb.Metrics.MemoryPeakMB {
		sb.Metrics.MemoryPeakMB = memUsedMB
	}
	sb.Metrics.ExecutionCount++
	metrics.SandboxExecutions.Inc()
	sb.Metrics.LastExitCode = exitCode
	sb.Metrics.LastActivityAt = time.Now()
	sb.LastActivity = sb.Metrics.LastActivityAt
	if success {
		sb.Metrics.ConsecutiveFail = 0
	} else {
		sb.Metrics.ConsecutiveFail++
	}
}

// exportStateGauges recomputes the per-state pool-size gauges. Called
// after every lifecycle mutation, under p.mu.
func (p *Pool) exportStateGauges() {
	counts := map[model.SandboxState]int{}
	for _, sb := range p.sandboxes {
		counts[sb.State]++
	}
	for _, state := range []model.SandboxState{
		model.SandboxWarming, model.SandboxReady, model.SandboxAssigned,
		model.SandboxBusy, model.SandboxDraining,
	} {
		metrics.SandboxesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// Get returns a copy of a sandbox by id.
func (p *Pool) Get(id string) (model.Sandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok {
		return model.Sandbox{}, false
	}
	return *sb, true
}

// Snapshot returns a copy of every tracked sandbox, for metrics export.
func (p *Pool) Snapshot() []model.Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Sandbox, 0, len(p.sandboxes))
	for _, sb := range p.sandboxes {
		out = append(out, *sb)
	}
	return out
}

// RunLoops starts the warmup, cleanup, and expiry background loops,
// returning when ctx is cancelled.
func (p *Pool) RunLoops(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.warmupLoop(ctx) }()
	go func() { defer wg.Done(); p.cleanupLoop(ctx) }()
	go func() { defer wg.Done(); p.expiryLoop(ctx) }()
	wg.Wait()
}

func (p *Pool) warmupLoop(ctx context.Context) {
	defer logging.RecoverAndLog(p.log)
	ticker := time.NewTicker(p.cfg.WarmupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.topUp(ctx)
		}
	}
}

func (p *Pool) topUp(ctx context.Context) {
	p.mu.Lock()
	templates := make([]string, 0, len(p.templates))
	for t := range p.templates {
		templates = append(templates, t)
	}
	p.mu.Unlock()

	for _, template := range templates {
		for {
			p.mu.Lock()
			ready := p.countByTemplateState(template, model.SandboxReady)
			total := p.totalCount()
			p.mu.Unlock()
			if ready >= p.cfg.MinPoolSize || total >= p.cfg.MaxPoolSize {
				break
			}
			sb, err := p.create(ctx, template)
			if err != nil {
				p.log.WithField("template", template).WithError(err).Warn("warmup create failed")
				break
			}
			if script, ok := p.cfg.PrewarmScripts[template]; ok && len(script) > 0 {
				if _, _, err := p.backend.Exec(ctx, sb.BackendHandle, script); err != nil {
					p.log.WithField("sandbox_id", sb.ID).WithError(err).Warn("prewarm script failed")
				}
			}
		}
	}
}

func (p *Pool) cleanupLoop(ctx context.Context) {
	defer logging.RecoverAndLog(p.log)
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanup(ctx)
		}
	}
}

func (p *Pool) cleanup(ctx context.Context) {
	var toKill []string

	p.mu.Lock()
	readyByTemplate := map[string]int{}
	for _, sb := range p.sandboxes {
		if sb.State == model.SandboxReady {
			readyByTemplate[sb.Template]++
		}
	}
	for _, sb := range p.sandboxes {
		if sb.State == model.SandboxBusy || sb.State == model.SandboxWarming {
			continue
		}
		if sb.Age() > p.cfg.MaxSandboxAge {
			toKill = append(toKill, sb.ID)
			continue
		}
		if sb.State == model.SandboxReady &&
			readyByTemplate[sb.Template] > p.cfg.MinPoolSize &&
			sb.Idle() > p.cfg.MaxIdleSeconds {
			toKill = append(toKill, sb.ID)
			readyByTemplate[sb.Template]--
		}
	}
	p.mu.Unlock()

	for _, id := range toKill {
		if err := p.Release(ctx, id, false); err != nil {
			p.log.WithField("sandbox_id", id).WithError(err).Warn("cleanup terminate failed")
		}
	}
}

func (p *Pool) expiryLoop(ctx context.Context) {
	defer logging.RecoverAndLog(p.log)
	ticker := time.NewTicker(p.cfg.ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.expireOverdue(ctx)
		}
	}
}

func (p *Pool) expireOverdue(ctx context.Context) {
	now := time.Now()
	var toKill []string
	p.mu.Lock()
	for _, sb := range p.sandboxes {
		if sb.ExpiresAt != nil && now.After(*sb.ExpiresAt) {
			toKill = append(toKill, sb.ID)
		}
	}
	p.mu.Unlock()

	for _, id := range toKill {
		if err := p.Release(ctx, id, false); err != nil {
			p.log.WithField("sandbox_id", id).WithError(err).Warn("expiry terminate failed")
		}
	}
}
