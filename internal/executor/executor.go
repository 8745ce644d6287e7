// Package executor consumes durable run tasks and drives phases and
// agents through the checkpoint store, respecting dependency order and
// the configured parallelism bounds. All progress is persisted before
// any event is broadcast.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/broadcast"
	"github.com/sitescope-labs/sitescope-go/internal/checkpoint"
	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/phasegraph"
	"github.com/sitescope-labs/sitescope-go/internal/queue"
	"github.com/sitescope-labs/sitescope-go/internal/repo"
)

// ArtifactSink persists agent content payloads out of band; checkpoint
// rows keep only label and confidence.
type ArtifactSink interface {
	PutAgentResult(ctx context.Context, runID, agent string, result domain.AgentResult) error
}

type Config struct {
	Workers                   int
	MaxParallelPhases         int
	MaxParallelAgentsPerPhase int
	AgentAttempts             int
	AgentBackoff              time.Duration
	LeaseDuration             time.Duration
	PollInterval              time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:                   2,
		MaxParallelPhases:         2,
		MaxParallelAgentsPerPhase: 2,
		AgentAttempts:             3,
		AgentBackoff:              500 * time.Millisecond,
		LeaseDuration:             2 * time.Minute,
		PollInterval:              250 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be >= 1")
	}
	if c.MaxParallelPhases < 1 {
		return errors.New("max parallel phases must be >= 1")
	}
	if c.MaxParallelAgentsPerPhase < 1 {
		return errors.New("max parallel agents per phase must be >= 1")
	}
	if c.AgentAttempts < 1 {
		return errors.New("agent attempts must be >= 1")
	}
	if c.AgentBackoff < 0 {
		return errors.New("agent backoff must be >= 0")
	}
	if c.LeaseDuration <= 0 {
		return errors.New("lease duration must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

type Executor struct {
	logger      *slog.Logger
	cfg         Config
	runs        repo.RunRepository
	jobs        repo.JobRepository
	checkpoints *checkpoint.Store
	tasks       queue.Queue
	hub         *broadcast.Hub
	registry    *Registry
	basePhases  []domain.PhaseDefinition
	artifacts   ArtifactSink

	sleep func(ctx context.Context, d time.Duration) error
}

func New(
	logger *slog.Logger,
	cfg Config,
	runs repo.RunRepository,
	jobs repo.JobRepository,
	checkpoints *checkpoint.Store,
	tasks queue.Queue,
	hub *broadcast.Hub,
	registry *Registry,
	basePhases []domain.PhaseDefinition,
	artifacts ArtifactSink,
) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runs == nil || jobs == nil || checkpoints == nil || tasks == nil || hub == nil || registry == nil {
		return nil, errors.New("executor dependencies are required")
	}
	if err := phasegraph.Validate(basePhases); err != nil {
		return nil, fmt.Errorf("base phase graph: %w", err)
	}
	return &Executor{
		logger:      logger,
		cfg:         cfg,
		runs:        runs,
		jobs:        jobs,
		checkpoints: checkpoints,
		tasks:       tasks,
		hub:         hub,
		registry:    registry,
		basePhases:  basePhases,
		artifacts:   artifacts,
		sleep:       sleepCtx,
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		go e.workerLoop(ctx)
	}
}

func (e *Executor) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, ok, err := e.tasks.Lease(ctx, e.cfg.LeaseDuration)
		if err != nil {
			e.log("lease failed", "error", err)
			_ = e.sleep(ctx, e.cfg.PollInterval)
			continue
		}
		if !ok {
			_ = e.sleep(ctx, e.cfg.PollInterval)
			continue
		}
		e.processTask(ctx, task)
	}
}

func (e *Executor) processTask(ctx context.Context, task queue.Task) {
	extendCtx, stopExtend := context.WithCancel(ctx)
	go e.extendLease(extendCtx, task.ID)
	defer stopExtend()

	if err := e.runOnce(ctx, task); err != nil {
		// Leave the task leased; redelivery after lease expiry gives the
		// run another attempt with resume-from-checkpoint semantics.
		e.log("run task failed", "run_id", task.RunID, "attempt", task.Attempt, "error", err)
		return
	}
	if err := e.tasks.Ack(ctx, task.ID); err != nil && !errors.Is(err, queue.ErrTaskNotFound) {
		e.log("ack failed", "task_id", task.ID, "error", err)
	}
}

func (e *Executor) extendLease(ctx context.Context, taskID string) {
	ticker := time.NewTicker(e.cfg.LeaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tasks.Extend(ctx, taskID, e.cfg.LeaseDuration); err != nil && !errors.Is(err, queue.ErrTaskNotFound) {
				e.log("extend lease failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// runOnce drives one run from its current checkpoint to a terminal
// status. It is safe to call again after a crash: settled agents are
// skipped unless the task demands a force reset.
func (e *Executor) runOnce(ctx context.Context, task queue.Task) error {
	run, err := e.runs.GetRun(ctx, task.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.log("run vanished, dropping task", "run_id", task.RunID)
			return nil
		}
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		// Redelivered task for an already-settled run.
		return nil
	}

	if task.ForceReset {
		if err := e.checkpoints.Reset(ctx, run.ID); err != nil {
			return err
		}
	}

	plan, err := phasegraph.Resolve(e.basePhases, enabledPhases(run.Params))
	if err != nil {
		return e.finalizeFailed(ctx, run, fmt.Sprintf("invalid plan: %v", err))
	}
	if err := e.ensureAgents(plan); err != nil {
		return e.finalizeFailed(ctx, run, err.Error())
	}

	if run.Status == domain.RunStatusPending {
		if err := e.transition(ctx, run.ID, domain.RunStatusRunning, ""); err != nil {
			return err
		}
		run.Status = domain.RunStatusRunning
	}
	e.hub.Publish(run.ID, domain.PlanCreatedEvent(run.ID, plan.PhaseIDs()))

	cancelled, err := e.schedulePhases(ctx, run, plan)
	if err != nil {
		return err
	}
	return e.finalize(ctx, run, plan, cancelled)
}

// schedulePhases runs dependency-eligible phases concurrently up to the
// configured bound. It returns cancelled=true when the run was
// cancelled while work was outstanding; in-flight phases are always
// allowed to finish.
func (e *Executor) schedulePhases(ctx context.Context, run domain.Run, plan domain.Plan) (bool, error) {
	scheduled := make(map[string]struct{})
	done := make(chan string, len(plan.Phases))
	inflight := 0
	cancelled := false

	for {
		if !cancelled {
			var err error
			cancelled, err = e.runCancelled(ctx, run.ID)
			if err != nil {
				return false, err
			}
		}

		if !cancelled {
			current, err := e.checkpoints.Load(ctx, run.ID)
			if err != nil {
				return false, err
			}
			for _, phase := range phasegraph.Eligible(plan, current, scheduled) {
				if inflight >= e.cfg.MaxParallelPhases {
					break
				}
				scheduled[phase.ID] = struct{}{}
				inflight++
				go func(phase domain.PhaseDefinition) {
					e.runPhase(ctx, run, plan, phase)
					done <- phase.ID
				}(phase)
			}
		}

		if inflight == 0 {
			return cancelled, nil
		}

		select {
		case <-done:
			inflight--
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// runPhase executes all unsettled agents of one phase, bounded by the
// per-phase agent concurrency limit.
func (e *Executor) runPhase(ctx context.Context, run domain.Run, plan domain.Plan, phase domain.PhaseDefinition) {
	delta := checkpoint.Delta{
		CurrentPhase: phase.ID,
		CurrentStep:  stepLabel(phase),
	}
	if _, err := e.checkpoints.Merge(ctx, run.ID, delta); err != nil {
		e.log("phase merge failed", "run_id", run.ID, "phase", phase.ID, "error", err)
		return
	}
	e.hub.Publish(run.ID, domain.PhaseStartEvent(run.ID, phase.ID))

	sem := make(chan struct{}, e.cfg.MaxParallelAgentsPerPhase)
	var wg sync.WaitGroup
	for _, agent := range phase.Agents {
		current, err := e.checkpoints.Load(ctx, run.ID)
		if err != nil {
			e.log("checkpoint load failed", "run_id", run.ID, "error", err)
			return
		}
		if current.Settled(agent.Name) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(agent domain.AgentDefinition) {
			defer wg.Done()
			defer func() { <-sem }()
			e.runAgent(ctx, run, plan, phase, agent)
		}(agent)
	}
	wg.Wait()
}

// runAgent invokes one agent with bounded retries and merges its
// terminal outcome into the checkpoint before anything is broadcast.
func (e *Executor) runAgent(ctx context.Context, run domain.Run, plan domain.Plan, phase domain.PhaseDefinition, agent domain.AgentDefinition) {
	startDelta := checkpoint.Delta{
		CurrentPhase: phase.ID,
		CurrentStep:  agentLabel(agent),
	}
	if _, err := e.checkpoints.Merge(ctx, run.ID, startDelta); err != nil {
		e.log("agent merge failed", "run_id", run.ID, "agent", agent.Name, "error", err)
		return
	}
	e.hub.Publish(run.ID, domain.AgentStartEvent(run.ID, phase.ID, agent.Name))

	impl, _ := e.registry.Lookup(agent.Name)
	input := Input{
		PipelineID: run.PipelineID,
		RunID:      run.ID,
		Phase:      phase.ID,
		Agent:      agent.Name,
		Params:     run.Params,
	}

	result, err := e.invokeWithRetry(ctx, impl, input)
	if err != nil {
		e.log("agent failed", "run_id", run.ID, "agent", agent.Name, "error", err)
		failDelta := checkpoint.Delta{
			FailedAgents: []string{agent.Name},
			CurrentPhase: phase.ID,
			CurrentStep:  fmt.Sprintf("%s failed: %v", agentLabel(agent), err),
			TotalAgents:  plan.AgentCount(),
		}
		if _, mergeErr := e.checkpoints.Merge(ctx, run.ID, failDelta); mergeErr != nil {
			e.log("failure merge failed", "run_id", run.ID, "agent", agent.Name, "error", mergeErr)
		}
		return
	}

	if e.artifacts != nil && len(result.Content) > 0 {
		if err := e.artifacts.PutAgentResult(ctx, run.ID, agent.Name, result); err != nil {
			e.log("artifact store failed", "run_id", run.ID, "agent", agent.Name, "error", err)
		}
	}

	okDelta := checkpoint.Delta{
		CompletedAgents:  []string{agent.Name},
		AgentConfidences: map[string]float64{agent.Name: result.Confidence},
		CurrentPhase:     phase.ID,
		CurrentStep:      fmt.Sprintf("%s completed", agentLabel(agent)),
		TotalAgents:      plan.AgentCount(),
	}
	if _, err := e.checkpoints.Merge(ctx, run.ID, okDelta); err != nil {
		e.log("success merge failed", "run_id", run.ID, "agent", agent.Name, "error", err)
	}
}

func (e *Executor) invokeWithRetry(ctx context.Context, impl Agent, input Input) (domain.AgentResult, error) {
	delay := e.cfg.AgentBackoff
	var lastErr error
	for attempt := 1; attempt <= e.cfg.AgentAttempts; attempt++ {
		result, err := impl(ctx, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == e.cfg.AgentAttempts {
			break
		}
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return domain.AgentResult{}, sleepErr
		}
		delay *= 2
	}
	return domain.AgentResult{}, lastErr
}

// finalize settles blocked phases, derives the terminal run status and
// broadcasts the terminal event plus a fresh snapshot.
func (e *Executor) finalize(ctx context.Context, run domain.Run, plan domain.Plan, cancelled bool) error {
	if cancelled {
		if err := e.transition(ctx, run.ID, domain.RunStatusCancelled, ""); err != nil {
			return err
		}
		e.hub.PublishTerminal(ctx, run.ID, domain.ErrorEvent(run.ID, "run cancelled"))
		return nil
	}

	current, err := e.checkpoints.Load(ctx, run.ID)
	if err != nil {
		return err
	}

	// A blocked phase can never be scheduled; settle its agents as
	// failed so derived views agree that the phase is terminal.
	for _, blocked := range phasegraph.Blocked(plan, current) {
		agents := make([]string, 0, len(blocked.Agents))
		for _, agent := range blocked.Agents {
			agents = append(agents, agent.Name)
		}
		delta := checkpoint.Delta{
			FailedAgents: agents,
			CurrentStep:  fmt.Sprintf("%s blocked by failed dependency", stepLabel(blocked)),
			TotalAgents:  plan.AgentCount(),
		}
		if current, err = e.checkpoints.Merge(ctx, run.ID, delta); err != nil {
			return err
		}
	}

	for _, phase := range plan.Phases {
		for _, agent := range phase.Agents {
			if !current.Settled(agent.Name) {
				// Storage trouble left work unsettled; keep the task
				// leased so redelivery resumes from the checkpoint.
				return fmt.Errorf("agent %s did not settle", agent.Name)
			}
		}
	}

	if len(current.FailedAgents) > 0 {
		message := current.CurrentStep
		if message == "" {
			message = "one or more analysis phases failed"
		}
		if err := e.transition(ctx, run.ID, domain.RunStatusFailed, message); err != nil {
			return err
		}
		e.hub.PublishTerminal(ctx, run.ID, domain.ErrorEvent(run.ID, message))
		return nil
	}

	full := 100
	doneDelta := checkpoint.Delta{
		CurrentStep: "Audit complete",
		Progress:    &full,
	}
	if _, err := e.checkpoints.Merge(ctx, run.ID, doneDelta); err != nil {
		return err
	}
	if err := e.transition(ctx, run.ID, domain.RunStatusCompleted, ""); err != nil {
		return err
	}
	e.hub.PublishTerminal(ctx, run.ID, domain.CompleteEvent(run.ID))
	return nil
}

func (e *Executor) finalizeFailed(ctx context.Context, run domain.Run, message string) error {
	if err := e.transition(ctx, run.ID, domain.RunStatusFailed, message); err != nil {
		return err
	}
	e.hub.PublishTerminal(ctx, run.ID, domain.ErrorEvent(run.ID, message))
	return nil
}

func (e *Executor) transition(ctx context.Context, runID string, status domain.RunStatus, errorMessage string) error {
	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	if err := e.runs.UpdateRunStatus(ctx, runID, status, errorMessage, completedAt); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if err := e.jobs.UpdateJobStatusByRun(ctx, runID, status); err != nil && !errors.Is(err, repo.ErrNotFound) {
		e.log("job status update failed", "run_id", runID, "error", err)
	}
	return nil
}

func (e *Executor) runCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("poll run: %w", err)
	}
	return run.Status == domain.RunStatusCancelled, nil
}

func (e *Executor) ensureAgents(plan domain.Plan) error {
	for _, phase := range plan.Phases {
		for _, agent := range phase.Agents {
			if _, ok := e.registry.Lookup(agent.Name); !ok {
				return fmt.Errorf("no implementation registered for agent %s", agent.Name)
			}
		}
	}
	return nil
}

func (e *Executor) log(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Error(msg, args...)
	}
}

func enabledPhases(params domain.Metadata) []string {
	raw, ok := params["phases"]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stepLabel(phase domain.PhaseDefinition) string {
	if phase.Label != "" {
		return phase.Label
	}
	return phase.ID
}

func agentLabel(agent domain.AgentDefinition) string {
	if agent.Label != "" {
		return agent.Label
	}
	return agent.Name
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
