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

package errors_test

import (
	stderrors "errors"
	"testing"

	durablyerrors "github.com/jagreehal/durably/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := stderrors.New("original error")
		wrapped := durablyerrors.Wrap(original, "additional context")
		if wrapped == nil {
			t.Fatal("Wrap should not return nil for non-nil error")
		}
		if !stderrors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		if got := durablyerrors.Wrap(nil, "context"); got != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", got)
		}
	})
}

func TestWrapf(t *testing.T) {
	original := stderrors.New("file not found")
	wrapped := durablyerrors.Wrapf(original, "loading file %s", "/path/to/file")
	msg := wrapped.Error()
	if msg != "loading file /path/to/file: file not found" {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestVersionMismatchError(t *testing.T) {
	err := &durablyerrors.VersionMismatchError{WorkflowID: "wf-1", Stored: 1, Requested: 2}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := &durablyerrors.PersistenceError{Op: "save", Cause: cause}
	if !stderrors.Is(err, cause) {
		t.Error("PersistenceError should unwrap to its cause")
	}
}
