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
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalStepSuspendsThenResumesViaInjection(t *testing.T) {
	pending := func(ctx context.Context) (ApprovalDecision, error) {
		return ApprovalDecision{Status: DecisionPending}, nil
	}

	run := newTestRun(nil, nil)
	_, err := run.ApprovalStep("approve-refund", pending)
	require.Error(t, err)
	var pendingErr *PendingApprovalError
	require.ErrorAs(t, err, &pendingErr)
	assert.Equal(t, "approve-refund", pendingErr.StepKey)

	// The caller persists run.allSteps() as a snapshot, a human approves,
	// and InjectApproval prepares the resume state for the next attempt.
	snap := &WorkflowSnapshot{WorkflowID: "wf-test", Steps: run.allSteps()}
	state := InjectApproval(NewResumeState(snap), "approve-refund", 4200)

	resumed := newTestRun(state.Snapshot(), nil)
	value, err := resumed.ApprovalStep("approve-refund", pending)
	require.NoError(t, err)
	assert.Equal(t, 4200, value)
}

func TestApprovalStepRejection(t *testing.T) {
	rejected := func(ctx context.Context) (ApprovalDecision, error) {
		return ApprovalDecision{Status: DecisionRejected, Reason: "over limit"}, nil
	}
	run := newTestRun(nil, nil)

	_, err := run.ApprovalStep("approve-refund", rejected)
	require.Error(t, err)
	var rejErr *ApprovalRejectedError
	require.ErrorAs(t, err, &rejErr)
	assert.Equal(t, "over limit", rejErr.Reason)
}

func TestPendingHookInjectionRoundTrip(t *testing.T) {
	hookID, stepKey := CreateHook()
	require.Equal(t, "hook:"+hookID, stepKey)

	run := newTestRun(nil, nil)
	_, err := run.Step(stepKey, func(ctx context.Context) (any, error) {
		return PendingHook(hookID, map[string]any{"callbackURL": "https://example.test/resume"})
	})
	require.Error(t, err)
	var hookErr *PendingHookError
	require.ErrorAs(t, err, &hookErr)

	snap := &WorkflowSnapshot{WorkflowID: "wf-test", Steps: run.allSteps()}
	state := InjectHook(NewResumeState(snap), hookID, "webhook payload")

	resumed := newTestRun(state.Snapshot(), nil)
	value, err := resumed.Step(stepKey, func(ctx context.Context) (any, error) {
		t.Fatal("should not re-run: injected hook result must be a cache hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "webhook payload", value)
}

func TestResumeStateCollectorRecordsStepCompleteEvents(t *testing.T) {
	collector := NewResumeStateCollector("wf-test")
	run := newRun(context.Background(), "wf-test", nil, make(chan struct{}), collector, nil)

	_, err := run.Step("a", func(ctx context.Context) (any, error) { return "va", nil })
	require.NoError(t, err)

	state := collector.ResumeState()
	require.Len(t, state.Snapshot().Steps, 1)
	assert.Equal(t, "a", state.Snapshot().Steps[0].Key)
}

func TestApprovalStateCollectorTracksPendingApprovals(t *testing.T) {
	collector := NewApprovalStateCollector("wf-test")
	run := newRun(context.Background(), "wf-test", nil, make(chan struct{}), collector, nil)

	_, err := run.ApprovalStep("gate", func(ctx context.Context) (ApprovalDecision, error) {
		return ApprovalDecision{Status: DecisionPending}, nil
	})
	require.Error(t, err)

	assert.True(t, collector.HasPendingApprovals())
	pending := collector.GetPendingApprovals()
	require.Len(t, pending, 1)
	assert.Equal(t, "gate", pending[0].Key)

	collector.InjectApproval("gate", "unblocked")
	assert.False(t, collector.HasPendingApprovals())
}

func TestGatedStepRunsDirectlyWhenApprovalNotRequired(t *testing.T) {
	run := newTestRun(nil, nil)
	cfg := GatedStepConfig{Key: "send-email", RequiresApproval: func(args any) bool { return false }}

	value, err := run.GatedStep(cfg, "hello@example.test", func(ctx context.Context, args any) (any, error) {
		return "sent:" + args.(string), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sent:hello@example.test", value)
}

func TestGatedStepSuspendsThenResumesViaInjectedResult(t *testing.T) {
	cfg := GatedStepConfig{
		Key:              "wire-transfer",
		Description:      "large transfer needs a human",
		RequiresApproval: func(args any) bool { return args.(int) > 1000 },
	}
	operationCalls := 0
	operation := func(ctx context.Context, args any) (any, error) {
		operationCalls++
		return "transferred:" + strconv.Itoa(args.(int)), nil
	}

	run := newTestRun(nil, nil)
	_, err := run.GatedStep(cfg, 5000, operation)
	require.Error(t, err)
	var pendingErr *PendingApprovalError
	require.ErrorAs(t, err, &pendingErr)
	assert.Equal(t, true, pendingErr.Metadata["gatedOperation"])
	assert.Equal(t, 0, operationCalls)

	// A human approves with the amount edited down to 800; the caller
	// computes the settled outcome out of band and injects it as the
	// step's completed result, exactly as an approved ApprovalStep does.
	snap := &WorkflowSnapshot{WorkflowID: "wf-test", Steps: run.allSteps()}
	state := InjectApproval(NewResumeState(snap), cfg.Key, "transferred:800")

	resumed := newTestRun(state.Snapshot(), nil)
	value, err := resumed.GatedStep(cfg, 5000, func(ctx context.Context, args any) (any, error) {
		t.Fatal("should not re-run: injected result must be a cache hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "transferred:800", value)
}

func TestGatedStepPendingApprovalSurvivesJSONSnapshotRoundTrip(t *testing.T) {
	cfg := GatedStepConfig{
		Key:              "wire-transfer",
		Description:      "large transfer needs a human",
		RequiresApproval: func(args any) bool { return args.(int) > 1000 },
	}

	run := newTestRun(nil, nil)
	_, err := run.GatedStep(cfg, 5000, func(ctx context.Context, args any) (any, error) {
		t.Fatal("should not run: gate requires approval")
		return nil, nil
	})
	require.Error(t, err)

	// Simulate the snapshot being persisted and reloaded by a
	// JSON-serializing store such as sqlitestore, rather than handed
	// straight back in-process.
	snap := &WorkflowSnapshot{WorkflowID: "wf-test", Steps: run.allSteps()}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var reloaded WorkflowSnapshot
	require.NoError(t, json.Unmarshal(data, &reloaded))

	// A cached failure replays as an early exit, which only the run
	// harness recovers, so the resumed step runs inside runUserFunc.
	resumed := newTestRun(&reloaded, nil)
	_, err, _ = runUserFunc(resumed, func(ctx context.Context, run *Run) (any, error) {
		return run.GatedStep(cfg, 5000, func(ctx context.Context, args any) (any, error) {
			t.Fatal("should not run: cached as still pending")
			return nil, nil
		})
	})
	require.Error(t, err)

	var pendingErr *PendingApprovalError
	require.ErrorAs(t, err, &pendingErr)
	assert.Equal(t, "wire-transfer", pendingErr.StepKey)
	assert.Equal(t, true, pendingErr.Metadata["gatedOperation"])
}
