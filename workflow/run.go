// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	durablyerrors "github.com/jagreehal/durably/errors"
)

// VersionMismatchPolicy decides what happens when a loaded snapshot's
// metadata.version disagrees with the version a run was started with.
type VersionMismatchPolicy int

const (
	// OnVersionMismatchThrow returns VersionMismatchError (the default).
	OnVersionMismatchThrow VersionMismatchPolicy = iota
	// OnVersionMismatchClear best-effort deletes the stored snapshot and
	// proceeds as a fresh run.
	OnVersionMismatchClear
	// OnVersionMismatchMigrate proceeds using OnVersionMismatchConfig's
	// MigratedSnapshot as if it were the loaded snapshot.
	OnVersionMismatchMigrate
)

// OnVersionMismatchConfig pairs a policy with the data it needs.
type OnVersionMismatchConfig struct {
	Policy           VersionMismatchPolicy
	MigratedSnapshot *WorkflowSnapshot
}

// RunConfig configures a single Engine.Execute call.
type RunConfig struct {
	WorkflowID string

	Store SnapshotStore
	// Lock is probed from Store via a type assertion when nil; set it
	// explicitly to use a lock backend distinct from the snapshot store.
	Lock WorkflowLock

	// Version is the workflow logic's current version; default 1.
	Version int
	// OnVersionMismatch is consulted when a loaded snapshot's version
	// disagrees with Version; the zero value is OnVersionMismatchThrow.
	OnVersionMismatch OnVersionMismatchConfig

	// AllowConcurrent disables both the in-process gate and the lease.
	AllowConcurrent bool
	// LockTTL is the lease TTL requested on acquisition; default 60s.
	LockTTL time.Duration

	// Cancel is an external cancellation signal; closing it requests
	// the run stop at the next step boundary.
	Cancel <-chan struct{}

	// EventSink receives lifecycle and step events; default NopEventSink.
	EventSink EventSink

	// Metadata is merged into the persisted snapshot's metadata on every
	// checkpoint, on top of the prior snapshot's metadata.
	Metadata map[string]any

	// Logger defaults to the Engine's logger (slog.Default() unless set
	// via WithLogger) when nil.
	Logger *slog.Logger

	// Hooks observe step boundaries (BeforeStart/AfterStep) without
	// participating in step execution; see Hook. A hook's own error
	// never affects the step's outcome.
	Hooks []Hook
}

func (c *RunConfig) setDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.LockTTL == 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.EventSink == nil {
		c.EventSink = NopEventSink{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Cancel == nil {
		c.Cancel = make(chan struct{}) // never closes
	}
}

// UserFunc is the workflow body the caller supplies to Engine.Execute.
type UserFunc func(ctx context.Context, run *Run) (any, error)

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator overrides the default uuid.NewString hook-ID generator
// used by Engine.CreateHook, primarily for deterministic tests. Lease
// owner tokens are minted by the lock backend, not by this generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.idGen = gen }
}

// WithLogger sets the Engine's default logger, used when a RunConfig
// does not supply its own.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine owns the per-process active-workflow set that enforces
// "at most one in-process run per workflow ID" alongside the
// cross-process lease.
type Engine struct {
	mu     sync.Mutex
	active map[string]bool

	idGen func() string
	log   *slog.Logger
}

// NewEngine constructs an Engine ready to run workflows.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		active: make(map[string]bool),
		idGen:  uuid.NewString,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) tryAcquireInProcess(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[workflowID] {
		return false
	}
	e.active[workflowID] = true
	return true
}

func (e *Engine) releaseInProcess(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, workflowID)
}

// Execute drives one workflow instance to completion, suspension, or
// failure: concurrency gate, lease acquisition, snapshot load, version
// check, step execution with checkpointing, and terminal handling.
func (e *Engine) Execute(ctx context.Context, cfg RunConfig, fn UserFunc) (any, error) {
	if cfg.Logger == nil {
		cfg.Logger = e.log
	}
	cfg.setDefaults()
	log := cfg.Logger.With("workflow_id", cfg.WorkflowID)

	if !cfg.AllowConcurrent {
		if !e.tryAcquireInProcess(cfg.WorkflowID) {
			return nil, &durablyerrors.ConcurrentExecutionError{WorkflowID: cfg.WorkflowID, Reason: "in-process"}
		}
		defer e.releaseInProcess(cfg.WorkflowID)
	}

	lock := cfg.Lock
	if lock == nil {
		if l, ok := cfg.Store.(WorkflowLock); ok {
			lock = l
		}
	}

	var leaseToken string
	haveLease := false
	if !cfg.AllowConcurrent && lock != nil {
		lease, err := lock.TryAcquire(ctx, cfg.WorkflowID, cfg.LockTTL)
		if err != nil {
			return nil, &durablyerrors.PersistenceError{Op: "acquire", Cause: err}
		}
		if lease == nil {
			return nil, &durablyerrors.ConcurrentExecutionError{WorkflowID: cfg.WorkflowID, Reason: "cross-process"}
		}
		leaseToken = lease.OwnerToken
		haveLease = true
	}
	defer func() {
		if haveLease {
			_ = lock.Release(context.Background(), cfg.WorkflowID, leaseToken)
		}
	}()

	var snap *WorkflowSnapshot
	if cfg.Store != nil {
		loaded, err := cfg.Store.Load(ctx, cfg.WorkflowID)
		if err != nil {
			return nil, &durablyerrors.PersistenceError{Op: "load", Cause: err}
		}
		snap = loaded
	}

	if snap != nil && snap.Version() != cfg.Version {
		switch cfg.OnVersionMismatch.Policy {
		case OnVersionMismatchClear:
			if cfg.Store != nil {
				_ = cfg.Store.Delete(ctx, cfg.WorkflowID) // best-effort
			}
			snap = nil
		case OnVersionMismatchMigrate:
			snap = cfg.OnVersionMismatch.MigratedSnapshot
		default:
			return nil, &durablyerrors.VersionMismatchError{
				WorkflowID: cfg.WorkflowID, Stored: snap.Version(), Requested: cfg.Version,
			}
		}
	}

	run := newRun(ctx, cfg.WorkflowID, snap, cfg.Cancel, cfg.EventSink, log, cfg.Hooks...)
	defer run.stopCancel()

	// Parallel children checkpoint concurrently; prior must not race.
	var checkpointMu sync.Mutex
	prior := snap
	run.onKeyedStep = func(st SnapshotStep) {
		checkpointMu.Lock()
		defer checkpointMu.Unlock()
		merged := mergeSnapshot(prior, cfg.WorkflowID, []SnapshotStep{st}, cfg.Version, cfg.Metadata)
		if cfg.Store == nil {
			prior = merged
			return
		}
		if err := cfg.Store.Save(ctx, merged); err != nil {
			emit(cfg.EventSink, Event{Type: EventPersistError, WorkflowID: cfg.WorkflowID, Timestamp: time.Now(), Err: err})
			log.Warn("checkpoint save failed", "error", err, "step_key", st.Key)
		} else {
			emit(cfg.EventSink, Event{Type: EventPersistSuccess, WorkflowID: cfg.WorkflowID, Timestamp: time.Now(), StepKey: st.Key})
		}
		prior = merged
	}

	emit(cfg.EventSink, Event{Type: EventWorkflowStart, WorkflowID: cfg.WorkflowID, Timestamp: time.Now()})

	value, err, cancelled := runUserFunc(run, fn)

	// Late cancellation: even a clean success is overridden if the
	// signal fired by the time the user function returned.
	if !cancelled && err == nil && signalFired(cfg.Cancel) {
		cancelled = true
		run.cancelledAtKey = run.lastCompletedKey
	}

	if cancelled {
		lastKey := run.cancelledAtKey
		if lastKey == "" {
			lastKey = run.lastCompletedKey
		}
		emit(cfg.EventSink, Event{Type: EventWorkflowCancelled, WorkflowID: cfg.WorkflowID, Timestamp: time.Now(), StepKey: lastKey})
		result := &durablyerrors.WorkflowCancelledError{LastStepKey: lastKey}
		return nil, result
	}

	if err != nil {
		emit(cfg.EventSink, Event{Type: EventWorkflowError, WorkflowID: cfg.WorkflowID, Timestamp: time.Now(), Err: err})
		return nil, err
	}

	if cfg.Store != nil {
		if derr := cfg.Store.Delete(ctx, cfg.WorkflowID); derr != nil {
			return nil, &durablyerrors.PersistenceError{Op: "delete", Cause: derr}
		}
	}
	emit(cfg.EventSink, Event{Type: EventWorkflowSuccess, WorkflowID: cfg.WorkflowID, Timestamp: time.Now()})
	return value, nil
}

// CreateHook mints a hook ID using the Engine's configured ID generator
// (uuid.NewString by default, overridable via WithIDGenerator for
// deterministic tests) and its derived step key.
func (e *Engine) CreateHook() (hookID, stepKey string) {
	id := e.idGen()
	return id, "hook:" + id
}

func signalFired(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
