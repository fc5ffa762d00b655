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

// Package memorystore provides a zero-dependency in-memory
// workflow.SnapshotStore and workflow.WorkflowLock, suitable for tests
// and single-process use where durability across restarts is not
// required.
package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jagreehal/durably/workflow"
)

var (
	_ workflow.SnapshotStore = (*Store)(nil)
	_ workflow.WorkflowLock  = (*Store)(nil)
	_ workflow.Clearer       = (*Store)(nil)
	_ workflow.BulkDeleter   = (*Store)(nil)
	_ workflow.Sweeper       = (*Store)(nil)
	_ workflow.Heartbeater   = (*Store)(nil)
)

type record struct {
	snapshot  *workflow.WorkflowSnapshot
	updatedAt time.Time
}

type lease struct {
	ownerToken string
	expiresAt  time.Time
}

// Store is an in-memory backend: mutex-guarded maps.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	leases  map[string]*lease
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]*record),
		leases:  make(map[string]*lease),
	}
}

// Save implements workflow.SnapshotStore.
func (s *Store) Save(_ context.Context, snap *workflow.WorkflowSnapshot) error {
	if snap == nil {
		return fmt.Errorf("memorystore: cannot save a nil snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[snap.WorkflowID] = &record{snapshot: snap, updatedAt: time.Now()}
	return nil
}

// Load implements workflow.SnapshotStore.
func (s *Store) Load(_ context.Context, workflowID string) (*workflow.WorkflowSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[workflowID]
	if !ok {
		return nil, nil
	}
	return rec.snapshot, nil
}

// Delete implements workflow.SnapshotStore.
func (s *Store) Delete(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, workflowID)
	return nil
}

// List implements workflow.SnapshotStore.
func (s *Store) List(_ context.Context, opts workflow.ListOptions) ([]workflow.SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []workflow.SnapshotInfo
	for id, rec := range s.records {
		if opts.Prefix != "" && !strings.HasPrefix(id, opts.Prefix) {
			continue
		}
		out = append(out, workflow.SnapshotInfo{WorkflowID: id, UpdatedAt: rec.updatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Close implements workflow.SnapshotStore.
func (s *Store) Close() error { return nil }

// Clear implements workflow.Clearer.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*record)
	return nil
}

// DeleteMany implements workflow.BulkDeleter.
func (s *Store) DeleteMany(_ context.Context, workflowIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range workflowIDs {
		delete(s.records, id)
	}
	return nil
}

// Sweep implements workflow.Sweeper: removes snapshots whose last
// update is older than olderThan.
func (s *Store) Sweep(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if rec.updatedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// TryAcquire implements workflow.WorkflowLock: conditional insert on
// workflowID, succeeding when no row exists or the existing row has
// expired.
func (s *Store) TryAcquire(_ context.Context, workflowID string, ttl time.Duration) (*workflow.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.leases[workflowID]; ok && existing.expiresAt.After(now) {
		return nil, nil
	}

	token := uuid.NewString()
	expiresAt := now.Add(ttl)
	s.leases[workflowID] = &lease{ownerToken: token, expiresAt: expiresAt}
	return &workflow.Lease{WorkflowID: workflowID, OwnerToken: token, ExpiresAt: expiresAt}, nil
}

// Release implements workflow.WorkflowLock: deletes the lease only if
// ownerToken matches the stored token, so a stale holder cannot unlock
// another process's lease.
func (s *Store) Release(_ context.Context, workflowID, ownerToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.leases[workflowID]
	if !ok || existing.ownerToken != ownerToken {
		return nil
	}
	delete(s.leases, workflowID)
	return nil
}

// Heartbeat implements workflow.Heartbeater.
func (s *Store) Heartbeat(_ context.Context, workflowID, ownerToken string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.leases[workflowID]
	if !ok || existing.ownerToken != ownerToken {
		return fmt.Errorf("memorystore: lease for %q not held by this token", workflowID)
	}
	existing.expiresAt = time.Now().Add(ttl)
	return nil
}
