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
	"time"
)

// SnapshotStore is the engine's sole durable-state dependency. Concrete
// backends (SQLite, Postgres, Mongo, ...) live outside this package and
// implement this interface; see workflow/memorystore and
// workflow/sqlitestore for reference adapters.
type SnapshotStore interface {
	Save(ctx context.Context, snap *WorkflowSnapshot) error
	// Load returns (nil, nil) when no snapshot exists for workflowID.
	Load(ctx context.Context, workflowID string) (*WorkflowSnapshot, error)
	Delete(ctx context.Context, workflowID string) error
	List(ctx context.Context, opts ListOptions) ([]SnapshotInfo, error)
	Close() error
}

// ListOptions filters a SnapshotStore.List call.
type ListOptions struct {
	Prefix string
	Limit  int
}

// SnapshotInfo is a lightweight listing entry, not a full snapshot.
type SnapshotInfo struct {
	WorkflowID string
	UpdatedAt  time.Time
}

// Clearer is an optional SnapshotStore capability: wipe every stored
// snapshot. Probed via a type assertion, never required.
type Clearer interface {
	Clear(ctx context.Context) error
}

// BulkDeleter is an optional SnapshotStore capability for deleting many
// workflow IDs in one call.
type BulkDeleter interface {
	DeleteMany(ctx context.Context, workflowIDs []string) error
}

// Pager is an optional SnapshotStore capability for offset-based listing
// beyond the simple prefix/limit of List.
type Pager interface {
	ListPage(ctx context.Context, opts PageOptions) (PageResult, error)
}

// PageOptions is the input to Pager.ListPage.
type PageOptions struct {
	Prefix string
	Offset int
	Limit  int
}

// PageResult is the output of Pager.ListPage.
type PageResult struct {
	Items      []SnapshotInfo
	TotalCount int
}

// Sweeper is an optional SnapshotStore capability for garbage-collecting
// abandoned runs: snapshots whose last update is older than olderThan.
// Not part of the core contract; reference stores implement it for
// callers who want periodic cleanup.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (removed int, err error)
}

// Lease is the record a WorkflowLock hands back on successful
// acquisition; only the process holding OwnerToken may release it.
type Lease struct {
	WorkflowID string
	OwnerToken string
	ExpiresAt  time.Time
}

// WorkflowLock is the engine's optional cross-process exclusivity
// dependency. A SnapshotStore that also implements WorkflowLock is
// detected via a type assertion at run start.
type WorkflowLock interface {
	// TryAcquire returns (nil, nil) when the workflow is already held by
	// another, unexpired owner.
	TryAcquire(ctx context.Context, workflowID string, ttl time.Duration) (*Lease, error)
	// Release deletes the lease only if ownerToken matches the stored
	// token; releasing a lease you do not hold is a no-op, not an error.
	Release(ctx context.Context, workflowID, ownerToken string) error
}

// Heartbeater is an optional WorkflowLock capability for extending a
// held lease's TTL without releasing and reacquiring it. The run loop
// does not call this itself, assuming the lease TTL outlasts the run;
// it exists for long-running workflows whose caller wants to renew
// explicitly.
type Heartbeater interface {
	Heartbeat(ctx context.Context, workflowID, ownerToken string, ttl time.Duration) error
}
