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

package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jagreehal/durably/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Path: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteSaveLoadDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	snap := &workflow.WorkflowSnapshot{
		WorkflowID: "wf-1",
		Steps:      []workflow.SnapshotStep{{Key: "a", Result: workflow.Ok("1")}},
		Metadata:   map[string]any{"version": float64(1)},
	}
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "wf-1", loaded.WorkflowID)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, "a", loaded.Steps[0].Key)

	require.NoError(t, store.Delete(ctx, "wf-1"))
	loaded, err = store.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSQLiteSaveUpsertsOnConflict(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Save(ctx, &workflow.WorkflowSnapshot{WorkflowID: "wf-1", Steps: []workflow.SnapshotStep{{Key: "a", Result: workflow.Ok("first")}}}))
	require.NoError(t, store.Save(ctx, &workflow.WorkflowSnapshot{WorkflowID: "wf-1", Steps: []workflow.SnapshotStep{{Key: "a", Result: workflow.Ok("second")}}}))

	loaded, err := store.Load(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, "second", loaded.Steps[0].Result.Value)
}

func TestSQLiteListPrefixAndLimit(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, id := range []string{"order-1", "order-2", "refund-1"} {
		require.NoError(t, store.Save(ctx, &workflow.WorkflowSnapshot{WorkflowID: id}))
	}

	infos, err := store.List(ctx, workflow.ListOptions{Prefix: "order-"})
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	infos, err = store.List(ctx, workflow.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestSQLiteClearAndSweep(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Save(ctx, &workflow.WorkflowSnapshot{WorkflowID: "wf-1"}))
	require.NoError(t, store.Save(ctx, &workflow.WorkflowSnapshot{WorkflowID: "wf-2"}))

	removed, err := store.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	require.NoError(t, store.Clear(ctx))
	infos, err := store.List(ctx, workflow.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, infos, 0)
}

func TestSQLiteLeaseAcquireReleaseContention(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	lease, err := store.TryAcquire(ctx, "wf-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	contender, err := store.TryAcquire(ctx, "wf-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, contender)

	require.NoError(t, store.Release(ctx, "wf-1", "wrong-token"))
	stillHeld, err := store.TryAcquire(ctx, "wf-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, stillHeld)

	require.NoError(t, store.Release(ctx, "wf-1", lease.OwnerToken))
	reacquired, err := store.TryAcquire(ctx, "wf-1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, reacquired)
}

func TestSQLiteLeaseExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.TryAcquire(ctx, "wf-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	lease, err := store.TryAcquire(ctx, "wf-1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, lease)
}

func TestSQLiteHeartbeatExtendsExpiryAndRejectsWrongToken(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	lease, err := store.TryAcquire(ctx, "wf-1", time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, store.Heartbeat(ctx, "wf-1", lease.OwnerToken, time.Minute))

	time.Sleep(10 * time.Millisecond)
	contender, err := store.TryAcquire(ctx, "wf-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, contender, "heartbeat should have extended the lease past the sleep")

	err = store.Heartbeat(ctx, "wf-1", "wrong-token", time.Minute)
	assert.Error(t, err)
}

// TestGatedStepPendingApprovalSurvivesEngineRestart exercises the one
// place a degraded replay would actually bite: a gated step suspended
// on approval, persisted through this store's JSON marshal/unmarshal,
// then resumed by a fresh Engine against the same database the way a
// restarted process would. errors.As and the approval-UI metadata must
// both still work after the round trip.
func TestGatedStepPendingApprovalSurvivesEngineRestart(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	cfg := workflow.GatedStepConfig{
		Key:              "wire-transfer",
		Description:      "large transfer needs a human",
		RequiresApproval: func(args any) bool { return args.(int) > 1000 },
	}
	fn := func(ctx context.Context, run *workflow.Run) (any, error) {
		return run.GatedStep(cfg, 5000, func(ctx context.Context, args any) (any, error) {
			t.Fatal("should not run: gate requires approval")
			return nil, nil
		})
	}

	engine := workflow.NewEngine()
	_, err := engine.Execute(ctx, workflow.RunConfig{WorkflowID: "wf-gate", Store: store}, fn)
	require.Error(t, err)

	// A new Engine against the same, JSON-backed store: the only way the
	// resumed step's result reaches this call is through Save/Load.
	restarted := workflow.NewEngine()
	_, err = restarted.Execute(ctx, workflow.RunConfig{WorkflowID: "wf-gate", Store: store}, fn)
	require.Error(t, err)

	var pendingErr *workflow.PendingApprovalError
	require.ErrorAs(t, err, &pendingErr)
	assert.Equal(t, "wire-transfer", pendingErr.StepKey)
	assert.Equal(t, true, pendingErr.Metadata["gatedOperation"])
	assert.EqualValues(t, 5000, pendingErr.Metadata["args"])
}
