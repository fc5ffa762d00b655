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

import "context"

// Hook observes step execution without participating in it, the way a
// debugger or tracer intercepts a step boundary. BeforeStart is called
// before a step's operation runs; AfterStep is called once that
// operation has completed, with its final result and error. Neither is
// called on a cache hit.
//
// A Hook error is reported via an EventHookError event and logged; it
// never changes the step's own outcome (fail-open, the same policy
// checkpoint persistence uses).
type Hook interface {
	BeforeStart(ctx context.Context, workflowID, stepKey, name string) error
	AfterStep(ctx context.Context, workflowID, stepKey, name string, result StepResult, err error) error
}

func (r *Run) fireBeforeStart(key, name string) {
	for _, h := range r.hooks {
		if err := h.BeforeStart(r.ctx, r.workflowID, key, name); err != nil {
			emit(r.sink, Event{Type: EventHookError, WorkflowID: r.workflowID, Timestamp: now(), StepKey: key, Name: name, Err: err})
			r.log.Warn("hook BeforeStart failed", "error", err, "step_key", key)
			continue
		}
		emit(r.sink, Event{Type: EventHookBeforeStart, WorkflowID: r.workflowID, Timestamp: now(), StepKey: key, Name: name})
	}
}

func (r *Run) fireAfterStep(key, name string, result StepResult, stepErr error) {
	for _, h := range r.hooks {
		if err := h.AfterStep(r.ctx, r.workflowID, key, name, result, stepErr); err != nil {
			emit(r.sink, Event{Type: EventHookError, WorkflowID: r.workflowID, Timestamp: now(), StepKey: key, Name: name, Err: err})
			r.log.Warn("hook AfterStep failed", "error", err, "step_key", key)
			continue
		}
		emit(r.sink, Event{Type: EventHookAfterStep, WorkflowID: r.workflowID, Timestamp: now(), StepKey: key, Name: name})
	}
}
