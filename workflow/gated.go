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

// ApprovalStatus is the lifecycle state of an entry in an ApprovalStore.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
	ApprovalStatusEdited   ApprovalStatus = "edited"
)

// ApprovalRecord is one entry tracked by an ApprovalStore.
type ApprovalRecord struct {
	Key          string
	Status       ApprovalStatus
	Metadata     map[string]any
	Value        any
	Reason       string
	ApprovedBy   string
	RejectedBy   string
	EditedBy     string
	OriginalValue any
	EditedValue   any
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// ApprovalStore is the external collaborator behind GatedStep: a small
// interface for creating, deciding, and listing approval requests.
// "Edited" records (originalValue, editedValue) for audit and is treated
// by CheckApproval as approved with the edited value.
type ApprovalStore interface {
	Get(ctx context.Context, key string) (*ApprovalRecord, error)
	Create(ctx context.Context, key string, metadata map[string]any, expiresAt time.Time) error
	Grant(ctx context.Context, key string, value any, approvedBy string) error
	Reject(ctx context.Context, key string, reason string, rejectedBy string) error
	Edit(ctx context.Context, key string, original, edited any, editedBy string) error
	Cancel(ctx context.Context, key string) error
	ListPending(ctx context.Context, prefix string) ([]*ApprovalRecord, error)
}

// CheckApprovalFromStore adapts an ApprovalStore record into the
// ApprovalDecision a gated or approval step consumes; "edited" records
// are treated as approved with the edited value.
func CheckApprovalFromStore(store ApprovalStore, key string) func(ctx context.Context) (ApprovalDecision, error) {
	return func(ctx context.Context) (ApprovalDecision, error) {
		record, err := store.Get(ctx, key)
		if err != nil {
			return ApprovalDecision{}, err
		}
		if record == nil {
			return ApprovalDecision{Status: DecisionPending}, nil
		}
		switch record.Status {
		case ApprovalStatusApproved:
			return ApprovalDecision{Status: DecisionApproved, Value: record.Value}, nil
		case ApprovalStatusEdited:
			return ApprovalDecision{Status: DecisionApproved, Value: record.EditedValue}, nil
		case ApprovalStatusRejected:
			return ApprovalDecision{Status: DecisionRejected, Reason: record.Reason}, nil
		default:
			return ApprovalDecision{Status: DecisionPending}, nil
		}
	}
}

// GatedStepConfig configures GatedStep's pre-execution approval gate.
type GatedStepConfig struct {
	Key              string
	Description      string
	RequiresApproval func(args any) bool
	CheckApproval    func(ctx context.Context, args any) (ApprovalDecision, error)
	Metadata         map[string]any
}

// GatedStep wraps operation with a pre-execution approval gate: when
// RequiresApproval(args) is false, operation runs directly. When true
// and CheckApproval is nil or reports pending, the step returns
// Err(PendingApprovalError) whose metadata carries the unexecuted args
// and gatedOperation=true, so an approval UI can show exact parameters.
// An approved decision runs operation with the (possibly edited) args;
// a rejected decision returns Err(ApprovalRejectedError).
func (r *Run) GatedStep(cfg GatedStepConfig, args any, operation func(ctx context.Context, args any) (any, error)) (any, error) {
	return r.Step(cfg.Key, func(ctx context.Context) (any, error) {
		if cfg.RequiresApproval == nil || !cfg.RequiresApproval(args) {
			return operation(ctx, args)
		}

		if cfg.CheckApproval == nil {
			return nil, &PendingApprovalError{StepKey: cfg.Key, Reason: cfg.Description, Metadata: gatedMetadata(args, cfg.Metadata)}
		}

		decision, err := cfg.CheckApproval(ctx, args)
		if err != nil {
			return nil, err
		}
		switch decision.Status {
		case DecisionApproved:
			finalArgs := args
			if decision.Value != nil {
				finalArgs = decision.Value
			}
			return operation(ctx, finalArgs)
		case DecisionRejected:
			return nil, &ApprovalRejectedError{StepKey: cfg.Key, Reason: decision.Reason}
		default:
			return nil, &PendingApprovalError{StepKey: cfg.Key, Reason: cfg.Description, Metadata: gatedMetadata(args, cfg.Metadata)}
		}
	})
}

func gatedMetadata(args any, extra map[string]any) map[string]any {
	md := map[string]any{
		"args":           args,
		"gatedOperation": true,
	}
	for k, v := range extra {
		md[k] = v
	}
	return md
}
