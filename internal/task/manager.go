package task

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"vaultd/internal/logging"
)

// Func is a unit of background work. It receives a context that is
// canceled when the job is aborted via Manager.Cancel (spec.md §5's
// per-task "abort requested" flag, expressed the idiomatic Go way as
// ctx.Done()) and a Progress for reporting status to callers.
type Func func(ctx context.Context, prog *Progress) error

// cronEntry remembers a cron job's definition so it can be re-registered
// when the manager is rebuilt (e.g. to change the concurrency limit).
type cronEntry struct {
	name string
	kind string
	cron string
	fn   Func
}

// Manager is the shared cron-backed job manager: every scheduled GC,
// verify, prune, or pull run is registered here rather than each
// component maintaining its own scheduler (spec.md §5).
type Manager struct {
	mu            sync.Mutex
	scheduler     gocron.Scheduler
	jobs          map[string]gocron.Job   // name -> gocron job
	kinds         map[string]string       // name -> kind
	schedules     map[string]string       // name -> cron expression
	descriptions  map[string]string       // name -> human-readable description
	cronEntries   map[string]cronEntry    // name -> definition (for rebuild)
	progress      map[string]*Progress    // gocron job id -> progress
	cancels       map[string]context.CancelFunc
	completed     map[string]Info         // gocron job id -> info, retained after removal
	maxConcurrent int
	now           func() time.Time
	logger        *slog.Logger
}

// Config configures a Manager.
type Config struct {
	// MaxConcurrent limits how many jobs can run in parallel. Defaults to 4.
	MaxConcurrent int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// New creates a Manager and starts it immediately, so RunOnce/Submit jobs
// execute without requiring an explicit Start call.
func New(cfg Config) (*Manager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "task")

	s, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(uint(cfg.MaxConcurrent), gocron.LimitModeWait),
	)
	if err != nil {
		return nil, fmt.Errorf("create job scheduler: %w", err)
	}

	m := &Manager{
		scheduler:     s,
		jobs:          make(map[string]gocron.Job),
		kinds:         make(map[string]string),
		schedules:     make(map[string]string),
		descriptions:  make(map[string]string),
		cronEntries:   make(map[string]cronEntry),
		progress:      make(map[string]*Progress),
		cancels:       make(map[string]context.CancelFunc),
		completed:     make(map[string]Info),
		maxConcurrent: cfg.MaxConcurrent,
		now:           cfg.Now,
		logger:        logger,
	}
	s.Start()
	return m, nil
}

// MaxConcurrent returns the current concurrency limit.
func (m *Manager) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxConcurrent
}

// AddCron registers a named, recurring job (e.g. "gc:vault" on "0 2 * * *").
// The name must be unique. fn runs with progress tracking on each firing.
func (m *Manager) AddCron(name, kind, cronExpr string, fn Func) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	task := func() { m.runTracked(name, kind, fn) }

	j, err := m.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(task),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	m.jobs[name] = j
	m.kinds[name] = kind
	m.schedules[name] = cronExpr
	m.cronEntries[name] = cronEntry{name: name, kind: kind, cron: cronExpr, fn: fn}
	m.logger.Info("scheduled job added", "name", name, "kind", kind, "cron", cronExpr)
	return nil
}

// RemoveCron stops and removes a named recurring job. No-op if absent.
func (m *Manager) RemoveCron(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[name]
	if !ok {
		return
	}
	if err := m.scheduler.RemoveJob(j.ID()); err != nil {
		m.logger.Warn("failed to remove scheduled job", "name", name, "error", err)
	}
	delete(m.jobs, name)
	delete(m.kinds, name)
	delete(m.schedules, name)
	delete(m.descriptions, name)
	delete(m.cronEntries, name)
	m.logger.Info("scheduled job removed", "name", name)
}

// Rebuild recreates the underlying scheduler with a new concurrency limit,
// re-registering all recurring jobs. In-flight one-time jobs are not
// preserved across a rebuild.
func (m *Manager) Rebuild(maxConcurrent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if err := m.scheduler.Shutdown(); err != nil {
		m.logger.Warn("error shutting down old scheduler during rebuild", "error", err)
	}

	gs, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(uint(maxConcurrent), gocron.LimitModeWait),
	)
	if err != nil {
		return fmt.Errorf("rebuild scheduler: %w", err)
	}

	m.scheduler = gs
	m.maxConcurrent = maxConcurrent
	m.jobs = make(map[string]gocron.Job, len(m.cronEntries))
	m.schedules = make(map[string]string, len(m.cronEntries))
	oldDescs := m.descriptions
	m.descriptions = make(map[string]string, len(m.cronEntries))

	for _, entry := range m.cronEntries {
		name, kind, fn := entry.name, entry.kind, entry.fn
		task := func() { m.runTracked(name, kind, fn) }
		j, err := gs.NewJob(
			gocron.CronJob(entry.cron, true),
			gocron.NewTask(task),
			gocron.WithName(entry.name),
		)
		if err != nil {
			m.logger.Error("failed to re-register job during rebuild", "name", entry.name, "error", err)
			continue
		}
		m.jobs[entry.name] = j
		m.schedules[entry.name] = entry.cron
		if desc, ok := oldDescs[entry.name]; ok {
			m.descriptions[entry.name] = desc
		}
	}

	gs.Start()
	m.logger.Info("job manager rebuilt", "maxConcurrent", maxConcurrent, "jobs", len(m.jobs))
	return nil
}

// Describe sets a human-readable description for a named job.
func (m *Manager) Describe(name, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptions[name] = description
}

// Submit schedules a one-time job (GC, verify, prune, or pull run
// triggered on demand) with progress tracking and returns its id.
// fn runs with a context canceled by a matching Cancel(id) call.
func (m *Manager) Submit(name, kind string, fn Func) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	prog := &Progress{Status: StatusPending, StartedAt: m.now()}
	ctx, cancel := context.WithCancel(context.Background())

	wrapper := func() {
		prog.SetRunning(0)
		err := fn(ctx, prog)
		prog.mu.RLock()
		status := prog.Status
		prog.mu.RUnlock()
		if err != nil {
			prog.Fail(m.now(), err.Error())
		} else if status == StatusRunning {
			prog.Complete(m.now())
		}
		m.logger.Info("job finished", "name", name, "kind", kind)
	}

	j, err := m.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
		gocron.NewTask(wrapper),
		gocron.WithName(name),
		gocron.WithEventListeners(
			gocron.AfterJobRuns(func(_ uuid.UUID, jobName string) {
				m.completeOneTimeJob(jobName)
			}),
			gocron.AfterJobRunsWithError(func(_ uuid.UUID, jobName string, _ error) {
				m.completeOneTimeJob(jobName)
			}),
		),
	)
	if err != nil {
		cancel()
		m.logger.Error("failed to schedule job", "name", name, "error", err)
		prog.Fail(m.now(), "failed to schedule: "+err.Error())
		failedID := uuid.Must(uuid.NewV7()).String()
		m.completed[failedID] = Info{ID: failedID, Name: name, Kind: kind, Schedule: "once", Progress: prog}
		return failedID
	}

	id := j.ID().String()
	m.jobs[name] = j
	m.kinds[name] = kind
	m.schedules[name] = "once"
	m.progress[id] = prog
	m.cancels[id] = cancel
	m.logger.Info("job submitted", "name", name, "kind", kind, "id", id)
	return id
}

// runTracked wraps a scheduled (cron) job invocation with its own
// cancelable context and Progress, the same as Submit's one-time path.
func (m *Manager) runTracked(name, kind string, fn Func) {
	m.mu.Lock()
	j, ok := m.jobs[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	id := j.ID().String()
	prog, ok := m.progress[id]
	if !ok {
		prog = &Progress{Status: StatusPending, StartedAt: m.now()}
		m.progress[id] = prog
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[id] = cancel
	m.mu.Unlock()

	prog.SetRunning(0)
	if err := fn(ctx, prog); err != nil {
		prog.Fail(m.now(), err.Error())
	} else {
		prog.Complete(m.now())
	}
}

// Cancel requests that the job identified by id stop at its next
// suspension point (spec.md §5). No-op if id is unknown or already done.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
}

// ListJobs returns info about all registered cron and one-time jobs,
// plus recently completed one-time jobs retained for status polling.
func (m *Manager) ListJobs() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupCompletedLocked()

	infos := make([]Info, 0, len(m.jobs)+len(m.completed))
	for name, j := range m.jobs {
		id := j.ID().String()
		info := Info{
			ID:          id,
			Name:        name,
			Kind:        m.kinds[name],
			Description: m.descriptions[name],
			Schedule:    m.schedules[name],
			Progress:    m.progress[id],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	for _, info := range m.completed {
		infos = append(infos, info)
	}

	slices.SortFunc(infos, func(a, b Info) int {
		aScheduled := a.Schedule != "" && a.Schedule != "once"
		bScheduled := b.Schedule != "" && b.Schedule != "once"
		if aScheduled != bScheduled {
			if aScheduled {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return infos
}

// GetJob returns info about a single job by gocron id.
func (m *Manager) GetJob(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.completed[id]; ok {
		return info, true
	}
	for name, j := range m.jobs {
		if j.ID().String() != id {
			continue
		}
		info := Info{
			ID:          id,
			Name:        name,
			Kind:        m.kinds[name],
			Description: m.descriptions[name],
			Schedule:    m.schedules[name],
			Progress:    m.progress[id],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		return info, true
	}
	return Info{}, false
}

// completeOneTimeJob moves a finished one-time job from the active maps
// to the completed map so its progress remains available for polling.
func (m *Manager) completeOneTimeJob(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[name]
	if !ok {
		return
	}
	id := j.ID().String()
	info := Info{
		ID:       id,
		Name:     name,
		Kind:     m.kinds[name],
		Schedule: "once",
		Progress: m.progress[id],
	}
	if lr, err := j.LastRun(); err == nil {
		info.LastRun = lr
	}

	m.completed[id] = info
	delete(m.jobs, name)
	delete(m.kinds, name)
	delete(m.schedules, name)
	delete(m.descriptions, name)
	delete(m.progress, id)
	delete(m.cancels, id)
}

// cleanupCompletedLocked removes completed jobs older than 1 hour.
// Must be called with m.mu held.
func (m *Manager) cleanupCompletedLocked() {
	cutoff := m.now().Add(-1 * time.Hour)
	for id, info := range m.completed {
		if info.Progress == nil {
			delete(m.completed, id)
			continue
		}
		info.Progress.mu.RLock()
		completedAt := info.Progress.CompletedAt
		info.Progress.mu.RUnlock()
		if !completedAt.IsZero() && completedAt.Before(cutoff) {
			delete(m.completed, id)
		}
	}
}

// Stop shuts down the manager and waits for running jobs to finish.
func (m *Manager) Stop() error {
	return m.scheduler.Shutdown()
}
