package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrBootstrapInProgress is returned when RunBootstrap is called while a
	// bootstrap is already running.
	ErrBootstrapInProgress = errors.New("bootstrap already in progress")

	// ErrPhaseFailed wraps the error of the required phase that aborted a
	// bootstrap run.
	ErrPhaseFailed = errors.New("bootstrap phase failed")
)

// Prober is satisfied by the store and by every client in package clients.
type Prober interface {
	Probe(ctx context.Context) ProbeResult
}

// Migrator is satisfied by *store.Store.
type Migrator interface {
	Migrate(ctx context.Context) ([]string, error)
}

// AdminProvisioner is satisfied by *store.Store. EnsureAdmin reports
// whether the account was created by this call.
type AdminProvisioner interface {
	EnsureAdmin(ctx context.Context, spec AdminSpec) (bool, error)
}

// Locker is satisfied by *clients.RedisClient. The returned func releases
// the lock.
type Locker interface {
	AcquireLock(ctx context.Context) (func(context.Context) error, error)
}

// EventPublisher is satisfied by *clients.NATSClient.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev Event) error
}

// PhaseRecorder is satisfied by *metrics.Recorder.
type PhaseRecorder interface {
	ObservePhase(phase, status string, d time.Duration)
	ObserveRun(status string)
}

// Options wires an Orchestrator. Database, Migrator and (in full mode)
// Provisioner are required; Lock, Events and Metrics are optional.
type Options struct {
	Mode        string
	BrowserOnly bool

	Database    Prober
	Migrator    Migrator
	Provisioner AdminProvisioner
	Lock        Locker
	Events      EventPublisher
	Metrics     PhaseRecorder

	Admin        AdminSpec
	RetryBackoff time.Duration

	// Probes are the dependencies reported by RunDeepHealth, keyed by name.
	Probes map[string]Prober
}

// Orchestrator runs the bootstrap sequence and dependency health probes.
type Orchestrator struct {
	opts Options

	bootstrapInProgress atomic.Bool
	lastResult          *BootstrapResult
	resultMu            sync.RWMutex
}

// New constructs an Orchestrator from opts.
func New(opts Options) *Orchestrator {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Orchestrator{opts: opts}
}

// phaseFunc runs one bootstrap step. A non-empty skip reason marks the
// phase skipped; detail is attached to an ok result.
type phaseFunc func(ctx context.Context) (detail, skip string, err error)

type phase struct {
	name     string
	optional bool
	run      phaseFunc
}

// RunBootstrap runs the bootstrap phases strictly in order: wait for the
// database, take the bootstrap lock, migrate, provision the admin account,
// publish a lifecycle event. The first failing required phase stops the
// sequence and its error is returned wrapped in ErrPhaseFailed; the
// listener must not be started in that case. Returns ErrBootstrapInProgress
// if a bootstrap is already running.
func (o *Orchestrator) RunBootstrap(ctx context.Context) (*BootstrapResult, error) {
	if !o.bootstrapInProgress.CompareAndSwap(false, true) {
		return nil, ErrBootstrapInProgress
	}
	defer o.bootstrapInProgress.Store(false)

	result := &BootstrapResult{
		Status: StatusInProgress,
		Mode:   o.opts.Mode,
		Phases: make(map[string]PhaseResult),
	}

	ctx, span := otel.Tracer("vlamy").Start(ctx, "vlamy.bootstrap")
	defer span.End()

	slog.InfoContext(ctx, "bootstrap started", "mode", o.opts.Mode)

	var release func(context.Context) error
	defer func() {
		if release == nil {
			return
		}
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(relCtx); err != nil {
			slog.WarnContext(ctx, "releasing bootstrap lock failed", "error", err)
		}
	}()

	phases := []phase{
		{name: PhaseDatabase, run: o.waitForDatabase},
		{name: PhaseLock, run: func(ctx context.Context) (string, string, error) {
			if o.opts.Lock == nil {
				return "", "no lock backend configured", nil
			}
			rel, err := o.opts.Lock.AcquireLock(ctx)
			if err != nil {
				return "", "", err
			}
			release = rel
			return "acquired", "", nil
		}},
		{name: PhaseMigrate, run: o.migrate},
		{name: PhaseProvisionAdmin, run: o.provisionAdmin},
	}

	var fatal error
	for _, p := range phases {
		res := o.runPhase(ctx, p)
		result.Lock()
		result.Phases[p.name] = res
		result.Unlock()

		if res.Status == StatusError && !p.optional {
			fatal = fmt.Errorf("%w: %s: %s", ErrPhaseFailed, p.name, res.Error)
			break
		}
	}

	result.Status = StatusOK
	if fatal != nil {
		result.Status = StatusError
	}

	events := o.runPhase(ctx, phase{name: PhaseEvents, optional: true, run: func(ctx context.Context) (string, string, error) {
		return o.publish(ctx, result)
	}})
	result.Lock()
	result.Phases[PhaseEvents] = events
	result.Unlock()

	span.SetAttributes(
		attribute.String("bootstrap.status", result.Status),
		attribute.String("bootstrap.mode", o.opts.Mode),
	)
	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, "required bootstrap phase failed")
		slog.ErrorContext(ctx, "bootstrap failed", "error", fatal)
	} else {
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(ctx, "bootstrap completed", "status", result.Status)
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.ObserveRun(result.Status)
	}

	o.resultMu.Lock()
	o.lastResult = result
	o.resultMu.Unlock()

	return result, fatal
}

func (o *Orchestrator) runPhase(ctx context.Context, p phase) PhaseResult {
	ctx, span := otel.Tracer("vlamy").Start(ctx, "vlamy.bootstrap."+p.name)
	defer span.End()

	start := time.Now()
	detail, skip, err := p.run(ctx)

	res := PhaseResult{Name: p.name, Status: StatusOK, Optional: p.optional, Detail: detail}
	switch {
	case err != nil:
		res.Status = StatusError
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case skip != "":
		res.Status = StatusSkipped
		res.Detail = skip
	}

	if o.opts.Metrics != nil {
		o.opts.Metrics.ObservePhase(p.name, res.Status, time.Since(start))
	}
	logPhase(ctx, res)
	return res
}

// waitForDatabase probes the store until it answers or ctx expires.
func (o *Orchestrator) waitForDatabase(ctx context.Context) (string, string, error) {
	for attempt := 1; ; attempt++ {
		probe := o.opts.Database.Probe(ctx)
		if probe.OK {
			return fmt.Sprintf("reachable after %d attempt(s)", attempt), "", nil
		}
		slog.WarnContext(ctx, "database not ready", "attempt", attempt, "error", probe.Error)

		t := time.NewTimer(o.opts.RetryBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", "", fmt.Errorf("database not reachable: %s: %w", probe.Error, ctx.Err())
		case <-t.C:
		}
	}
}

func (o *Orchestrator) migrate(ctx context.Context) (string, string, error) {
	applied, err := o.opts.Migrator.Migrate(ctx)
	if err != nil {
		return "", "", err
	}
	if len(applied) == 0 {
		return "schema up to date", "", nil
	}
	return fmt.Sprintf("applied %d migration(s)", len(applied)), "", nil
}

func (o *Orchestrator) provisionAdmin(ctx context.Context) (string, string, error) {
	if o.opts.BrowserOnly {
		return "", "browser-only mode has no accounts", nil
	}
	if o.opts.Provisioner == nil {
		return "", "", errors.New("no admin provisioner configured")
	}
	created, err := o.opts.Provisioner.EnsureAdmin(ctx, o.opts.Admin)
	if err != nil {
		return "", "", err
	}
	if created {
		if o.opts.Admin.MustChangePassword {
			slog.WarnContext(ctx, "admin account created with the default password; change it now",
				"username", o.opts.Admin.Username)
		}
		return "created " + o.opts.Admin.Username, "", nil
	}
	return o.opts.Admin.Username + " already exists", "", nil
}

func (o *Orchestrator) publish(ctx context.Context, result *BootstrapResult) (string, string, error) {
	if o.opts.Events == nil {
		return "", "no event stream configured", nil
	}

	result.Lock()
	phases := make(map[string]string, len(result.Phases))
	for name, p := range result.Phases {
		phases[name] = p.Status
	}
	status := result.Status
	result.Unlock()

	host, _ := os.Hostname()
	ev := Event{
		Type:    "bootstrap.completed",
		Mode:    o.opts.Mode,
		Status:  status,
		Host:    host,
		Phases:  phases,
		Created: time.Now().Unix(),
	}
	if status != StatusOK {
		ev.Type = "bootstrap.failed"
	}
	if err := o.opts.Events.PublishEvent(ctx, ev); err != nil {
		return "", "", err
	}
	return ev.Type, "", nil
}

// RunDeepHealth probes every configured dependency concurrently and
// returns a map of dependency name to ProbeResult.
func (o *Orchestrator) RunDeepHealth(ctx context.Context) map[string]ProbeResult {
	results := make(map[string]ProbeResult, len(o.opts.Probes))
	var mu sync.Mutex
	var g errgroup.Group

	for name, p := range o.opts.Probes {
		g.Go(func() error {
			probe := p.Probe(ctx)
			mu.Lock()
			results[name] = probe
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// IsBootstrapInProgress returns true while a bootstrap run is active.
func (o *Orchestrator) IsBootstrapInProgress() bool {
	return o.bootstrapInProgress.Load()
}

// IsReady returns true if the last bootstrap completed with StatusOK.
func (o *Orchestrator) IsReady() bool {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	return o.lastResult != nil && o.lastResult.Status == StatusOK
}

// LastResult returns the result of the most recent bootstrap, or nil.
func (o *Orchestrator) LastResult() *BootstrapResult {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	return o.lastResult
}

// logPhase emits a trace-correlated log for a bootstrap phase result.
func logPhase(ctx context.Context, p PhaseResult) {
	switch p.Status {
	case StatusOK:
		slog.InfoContext(ctx, "bootstrap phase ok", "phase", p.Name, "detail", p.Detail)
	case StatusSkipped:
		slog.InfoContext(ctx, "bootstrap phase skipped", "phase", p.Name, "reason", p.Detail)
	default:
		slog.WarnContext(ctx, "bootstrap phase failed", "phase", p.Name, "error", p.Error, "optional", p.Optional)
	}
}
