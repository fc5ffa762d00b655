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
	"encoding/json"
	"time"
)

// StepOrigin classifies how a failed step produced its error.
type StepOrigin string

const (
	// OriginResult means the step function returned a non-nil error.
	OriginResult StepOrigin = "result"
	// OriginThrow means the step function panicked.
	OriginThrow StepOrigin = "throw"
)

// StepFailureMeta records the origin of a failed step so that replay can
// present the same shape of failure on every run.
type StepFailureMeta struct {
	Origin      StepOrigin `json:"origin"`
	ResultCause any        `json:"resultCause,omitempty"`
	Thrown      any        `json:"thrown,omitempty"`
}

// StepResult is the tagged outcome of a step: either a value (OK) or an
// error plus an optional diagnostic cause.
type StepResult struct {
	OK    bool
	Value any
	Err   error
	Cause any
}

// Ok builds a successful StepResult.
func Ok(value any) StepResult {
	return StepResult{OK: true, Value: value}
}

// Err builds a failed StepResult, optionally carrying a structured cause.
func Err(err error, cause any) StepResult {
	return StepResult{OK: false, Err: err, Cause: cause}
}

// wireStepResult is the wire format: {ok:true,value} or
// {ok:false,error,cause?}.
type wireStepResult struct {
	OK    bool   `json:"ok"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
	Cause any    `json:"cause,omitempty"`
}

// MarshalJSON implements the wire encoding.
func (r StepResult) MarshalJSON() ([]byte, error) {
	w := wireStepResult{OK: r.OK}
	if r.OK {
		w.Value = r.Value
	} else {
		if r.Err != nil {
			w.Error = r.Err.Error()
		}
		w.Cause = r.Cause
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements the wire decoding. The decoded error is a
// plain message-carrying error; newRun reconstructs known
// suspension-signal types from SnapshotStep.Meta (see
// reconstructSuspensionError) before a resumed step can ever observe it.
func (r *StepResult) UnmarshalJSON(data []byte) error {
	var w wireStepResult
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.OK = w.OK
	if w.OK {
		r.Value = w.Value
		r.Err = nil
		r.Cause = nil
		return nil
	}
	r.Value = nil
	r.Cause = w.Cause
	if w.Error != "" {
		r.Err = plainError(w.Error)
	}
	return nil
}

// plainError is a message-only error produced when decoding a snapshot
// written by a previous process; it satisfies the error interface without
// claiming to be any particular domain type.
type plainError string

func (e plainError) Error() string { return string(e) }

// SnapshotStep is one completed step recorded in a WorkflowSnapshot.
type SnapshotStep struct {
	Key         string           `json:"key"`
	Result      StepResult       `json:"result"`
	Meta        *StepFailureMeta `json:"meta,omitempty"`
	CompletedAt time.Time        `json:"completedAt"`
}

// WorkflowSnapshot is the persisted state of one workflow instance: its
// completed keyed steps in insertion order, plus metadata.
type WorkflowSnapshot struct {
	WorkflowID string         `json:"workflowId"`
	Steps      []SnapshotStep `json:"steps"`
	Metadata   map[string]any `json:"metadata"`
}

// Version returns metadata.version, defaulting to 1 when absent.
func (s *WorkflowSnapshot) Version() int {
	if s == nil || s.Metadata == nil {
		return 1
	}
	switch v := s.Metadata["version"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 1
}

// LastStepKey returns metadata.lastStepKey, or "" when absent.
func (s *WorkflowSnapshot) LastStepKey() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata["lastStepKey"].(string); ok {
		return v
	}
	return ""
}

// clone returns a deep-enough copy of the snapshot for safe mutation by
// the run loop (the Steps slice and Metadata map are copied; step values
// themselves are treated as immutable once recorded).
func (s *WorkflowSnapshot) clone() *WorkflowSnapshot {
	if s == nil {
		return nil
	}
	out := &WorkflowSnapshot{
		WorkflowID: s.WorkflowID,
		Steps:      make([]SnapshotStep, len(s.Steps)),
		Metadata:   make(map[string]any, len(s.Metadata)),
	}
	copy(out.Steps, s.Steps)
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// mergeSnapshot produces the snapshot to persist after a keyed step
// completes: prior steps overwritten by newly observed ones (by key,
// preserving first-seen order), metadata updated with version and
// lastStepKey, callerMetadata merged on top.
func mergeSnapshot(prior *WorkflowSnapshot, workflowID string, newSteps []SnapshotStep, version int, callerMetadata map[string]any) *WorkflowSnapshot {
	merged := &WorkflowSnapshot{
		WorkflowID: workflowID,
		Metadata:   map[string]any{},
	}

	byKey := make(map[string]SnapshotStep)
	var order []string

	if prior != nil {
		for _, st := range prior.Steps {
			byKey[st.Key] = st
			order = append(order, st.Key)
		}
		for k, v := range prior.Metadata {
			merged.Metadata[k] = v
		}
	}

	for _, st := range newSteps {
		if _, exists := byKey[st.Key]; !exists {
			order = append(order, st.Key)
		}
		byKey[st.Key] = st
	}

	merged.Steps = make([]SnapshotStep, 0, len(order))
	for _, k := range order {
		merged.Steps = append(merged.Steps, byKey[k])
	}

	merged.Metadata["version"] = version
	if len(order) > 0 {
		merged.Metadata["lastStepKey"] = order[len(order)-1]
	}
	for k, v := range callerMetadata {
		merged.Metadata[k] = v
	}

	return merged
}
