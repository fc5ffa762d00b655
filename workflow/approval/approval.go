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

// Package approval provides an in-memory workflow.ApprovalStore: the
// external collaborator behind GatedStep and ApprovalStep decisions.
package approval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jagreehal/durably/workflow"
)

var _ workflow.ApprovalStore = (*Store)(nil)

// Store is a mutex-guarded, map-backed ApprovalStore. It is not
// durable; callers needing approvals to survive a process restart
// should back GatedStep with their own ApprovalStore implementation.
type Store struct {
	mu      sync.RWMutex
	records map[string]*workflow.ApprovalRecord
}

// New creates an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*workflow.ApprovalRecord)}
}

// Get implements workflow.ApprovalStore.
func (s *Store) Get(_ context.Context, key string) (*workflow.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if rec.Status == workflow.ApprovalStatusPending && !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		expired := *rec
		expired.Status = workflow.ApprovalStatusExpired
		return &expired, nil
	}
	out := *rec
	return &out, nil
}

// Create implements workflow.ApprovalStore.
func (s *Store) Create(_ context.Context, key string, metadata map[string]any, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; exists {
		return fmt.Errorf("approval: %q already exists", key)
	}
	s.records[key] = &workflow.ApprovalRecord{
		Key: key, Status: workflow.ApprovalStatusPending,
		Metadata: metadata, ExpiresAt: expiresAt, CreatedAt: time.Now(),
	}
	return nil
}

// Grant implements workflow.ApprovalStore.
func (s *Store) Grant(_ context.Context, key string, value any, approvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("approval: %q not found", key)
	}
	rec.Status = workflow.ApprovalStatusApproved
	rec.Value = value
	rec.ApprovedBy = approvedBy
	return nil
}

// Reject implements workflow.ApprovalStore.
func (s *Store) Reject(_ context.Context, key string, reason string, rejectedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("approval: %q not found", key)
	}
	rec.Status = workflow.ApprovalStatusRejected
	rec.Reason = reason
	rec.RejectedBy = rejectedBy
	return nil
}

// Edit implements workflow.ApprovalStore: records (original, edited) for
// audit; the checker treats an "edited" record as approved with the
// edited value.
func (s *Store) Edit(_ context.Context, key string, original, edited any, editedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("approval: %q not found", key)
	}
	rec.Status = workflow.ApprovalStatusEdited
	rec.OriginalValue = original
	rec.EditedValue = edited
	rec.EditedBy = editedBy
	return nil
}

// Cancel implements workflow.ApprovalStore.
func (s *Store) Cancel(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// ListPending implements workflow.ApprovalStore.
func (s *Store) ListPending(_ context.Context, prefix string) ([]*workflow.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.ApprovalRecord
	for key, rec := range s.records {
		if rec.Status != workflow.ApprovalStatusPending {
			continue
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
