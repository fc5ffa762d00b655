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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingApprovalError means a step cannot complete until a human
// approves it; the engine persists the snapshot and returns this error
// to the caller verbatim.
type PendingApprovalError struct {
	StepKey  string
	Reason   string
	Metadata map[string]any
}

func (e *PendingApprovalError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("step %q pending approval: %s", e.StepKey, e.Reason)
	}
	return fmt.Sprintf("step %q pending approval", e.StepKey)
}

// Cause implements Causer with the full struct contents, not just the
// message string, so Metadata (the gated step's args and
// "gatedOperation" marker) survives into StepResult.Cause and, from
// there, a snapshot round-trip through a serializing store.
func (e *PendingApprovalError) Cause() any {
	return map[string]any{
		"kind":     causeKindPendingApproval,
		"stepKey":  e.StepKey,
		"reason":   e.Reason,
		"metadata": e.Metadata,
	}
}

// PendingHookError is semantically identical to PendingApprovalError but
// carries a library-generated hook identifier for external-callback use.
type PendingHookError struct {
	HookID   string
	StepKey  string
	Metadata map[string]any
}

func (e *PendingHookError) Error() string {
	return fmt.Sprintf("hook %q pending", e.HookID)
}

// Cause implements Causer; see PendingApprovalError.Cause.
func (e *PendingHookError) Cause() any {
	return map[string]any{
		"kind":     causeKindPendingHook,
		"hookId":   e.HookID,
		"stepKey":  e.StepKey,
		"metadata": e.Metadata,
	}
}

// ApprovalRejectedError is returned when a gated or approval step's
// checker reports rejection.
type ApprovalRejectedError struct {
	StepKey string
	Reason  string
}

func (e *ApprovalRejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("step %q rejected: %s", e.StepKey, e.Reason)
	}
	return fmt.Sprintf("step %q rejected", e.StepKey)
}

// Cause implements Causer; see PendingApprovalError.Cause.
func (e *ApprovalRejectedError) Cause() any {
	return map[string]any{
		"kind":    causeKindApprovalRejected,
		"stepKey": e.StepKey,
		"reason":  e.Reason,
	}
}

// ApprovalDecisionStatus is the outcome a checkApproval callback reports.
type ApprovalDecisionStatus string

const (
	DecisionPending  ApprovalDecisionStatus = "pending"
	DecisionApproved ApprovalDecisionStatus = "approved"
	DecisionRejected ApprovalDecisionStatus = "rejected"
)

// ApprovalDecision is what a checkApproval callback returns.
type ApprovalDecision struct {
	Status ApprovalDecisionStatus
	Value  any    // set when Status == DecisionApproved
	Reason string // set when Status == DecisionRejected
}

// ApprovalStep composes a keyed step whose operation consults
// checkApproval and translates its decision into Ok(value),
// Err(PendingApprovalError), or Err(ApprovalRejectedError).
func (r *Run) ApprovalStep(key string, checkApproval func(ctx context.Context) (ApprovalDecision, error)) (any, error) {
	return r.Step(key, func(ctx context.Context) (any, error) {
		decision, err := checkApproval(ctx)
		if err != nil {
			return nil, err
		}
		switch decision.Status {
		case DecisionApproved:
			return decision.Value, nil
		case DecisionRejected:
			return nil, &ApprovalRejectedError{StepKey: key, Reason: decision.Reason}
		default:
			return nil, &PendingApprovalError{StepKey: key}
		}
	})
}

// CreateHook mints a new hook identifier and its derived step key,
// following the "hook:"+hookID convention so external callers can
// correlate a webhook back to the step that is waiting on it.
func CreateHook() (hookID, stepKey string) {
	id := uuid.NewString()
	return id, "hook:" + id
}

// PendingHook builds the (value, error) pair a hook step returns while
// waiting for external injection.
func PendingHook(hookID string, metadata map[string]any) (any, error) {
	return nil, &PendingHookError{HookID: hookID, StepKey: "hook:" + hookID, Metadata: metadata}
}

// ResumeState is an immutable runtime projection of a WorkflowSnapshot,
// pre-loaded into a Run's cache before the user function executes.
type ResumeState struct {
	snapshot *WorkflowSnapshot
}

// NewResumeState wraps snap (which may be nil, meaning an empty state).
func NewResumeState(snap *WorkflowSnapshot) *ResumeState {
	if snap == nil {
		return &ResumeState{snapshot: &WorkflowSnapshot{Metadata: map[string]any{}}}
	}
	return &ResumeState{snapshot: snap.clone()}
}

// Snapshot returns the ResumeState's underlying snapshot.
func (s *ResumeState) Snapshot() *WorkflowSnapshot { return s.snapshot }

// InjectApproval returns a new ResumeState in which stepKey's cached
// entry is replaced with Ok(value); the original ResumeState is left
// untouched. On the next run this short-circuits the approval step.
func InjectApproval(state *ResumeState, stepKey string, value any) *ResumeState {
	next := state.Snapshot().clone()
	injected := SnapshotStep{Key: stepKey, Result: Ok(value), CompletedAt: time.Now()}

	for i, st := range next.Steps {
		if st.Key == stepKey {
			next.Steps[i] = injected
			return &ResumeState{snapshot: next}
		}
	}
	next.Steps = append(next.Steps, injected)
	return &ResumeState{snapshot: next}
}

// InjectHook is InjectApproval for the "hook:"+hookID key convention.
func InjectHook(state *ResumeState, hookID string, value any) *ResumeState {
	return InjectApproval(state, "hook:"+hookID, value)
}

// ResumeStateCollector is an EventSink that records every step_complete
// event and can produce a ResumeState snapshot at any point, typically
// used by callers driving a workflow through an in-process event bus
// rather than a SnapshotStore.
type ResumeStateCollector struct {
	mu         sync.Mutex
	workflowID string
	steps      []SnapshotStep
	index      map[string]int
}

// NewResumeStateCollector creates a collector for the given workflow ID.
func NewResumeStateCollector(workflowID string) *ResumeStateCollector {
	return &ResumeStateCollector{workflowID: workflowID, index: make(map[string]int)}
}

// Emit implements EventSink.
func (c *ResumeStateCollector) Emit(e Event) {
	if e.Type != EventStepComplete || e.StepKey == "" || e.Result == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := SnapshotStep{Key: e.StepKey, Result: *e.Result, Meta: e.Meta, CompletedAt: e.Timestamp}
	c.recordLocked(st)
}

func (c *ResumeStateCollector) recordLocked(st SnapshotStep) {
	if i, ok := c.index[st.Key]; ok {
		c.steps[i] = st
		return
	}
	c.index[st.Key] = len(c.steps)
	c.steps = append(c.steps, st)
}

// ResumeState returns the current recorded state as an immutable
// snapshot.
func (c *ResumeStateCollector) ResumeState() *ResumeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := &WorkflowSnapshot{
		WorkflowID: c.workflowID,
		Steps:      append([]SnapshotStep(nil), c.steps...),
		Metadata:   map[string]any{},
	}
	return &ResumeState{snapshot: snap}
}

// ApprovalStateCollector extends ResumeStateCollector with approval-aware
// queries and a mutating injection method.
type ApprovalStateCollector struct {
	*ResumeStateCollector
}

// NewApprovalStateCollector creates an approval-aware collector.
func NewApprovalStateCollector(workflowID string) *ApprovalStateCollector {
	return &ApprovalStateCollector{ResumeStateCollector: NewResumeStateCollector(workflowID)}
}

// HasPendingApprovals reports whether any recorded step is currently a
// pending approval or pending hook.
func (c *ApprovalStateCollector) HasPendingApprovals() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.steps {
		if isPendingSuspension(st) {
			return true
		}
	}
	return false
}

// GetPendingApprovals returns every recorded step currently pending.
func (c *ApprovalStateCollector) GetPendingApprovals() []SnapshotStep {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pending []SnapshotStep
	for _, st := range c.steps {
		if isPendingSuspension(st) {
			pending = append(pending, st)
		}
	}
	return pending
}

// InjectApproval mutates the collector's own recording so that a
// subsequent ResumeState() call observes stepKey as Ok(value).
func (c *ApprovalStateCollector) InjectApproval(stepKey string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordLocked(SnapshotStep{Key: stepKey, Result: Ok(value), CompletedAt: time.Now()})
}

func isPendingSuspension(st SnapshotStep) bool {
	if st.Result.OK {
		return false
	}
	switch st.Result.Err.(type) {
	case *PendingApprovalError, *PendingHookError:
		return true
	default:
		return false
	}
}

const (
	causeKindPendingApproval  = "PendingApproval"
	causeKindPendingHook      = "PendingHook"
	causeKindApprovalRejected = "ApprovalRejected"
)

// reconstructSuspensionError rebuilds a typed suspension-signal error
// (PendingApprovalError, PendingHookError, ApprovalRejectedError) from a
// loaded step's cause data. A SnapshotStore that marshals through JSON
// (sqlitestore) decodes a failed step's Result.Err as a bare plainError,
// losing both its concrete type and its Metadata; the step's Meta cause,
// populated via Causer.Cause, carries enough to rebuild it so that
// errors.As and Metadata lookups still work after a restart. Steps whose
// cause does not match a known suspension shape are returned unchanged.
func reconstructSuspensionError(st SnapshotStep) error {
	if st.Result.OK || st.Meta == nil {
		return st.Result.Err
	}
	cause := st.Meta.ResultCause
	if st.Meta.Origin == OriginThrow {
		cause = st.Meta.Thrown
	}
	data, ok := cause.(map[string]any)
	if !ok {
		return st.Result.Err
	}
	kind, _ := data["kind"].(string)
	switch kind {
	case causeKindPendingApproval:
		return &PendingApprovalError{
			StepKey:  stringField(data, "stepKey"),
			Reason:   stringField(data, "reason"),
			Metadata: mapField(data, "metadata"),
		}
	case causeKindPendingHook:
		return &PendingHookError{
			HookID:   stringField(data, "hookId"),
			StepKey:  stringField(data, "stepKey"),
			Metadata: mapField(data, "metadata"),
		}
	case causeKindApprovalRejected:
		return &ApprovalRejectedError{
			StepKey: stringField(data, "stepKey"),
			Reason:  stringField(data, "reason"),
		}
	default:
		return st.Result.Err
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return out
}
