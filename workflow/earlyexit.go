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

// earlyExit is the sentinel panic value a cache hit against a previously
// failed step raises. runUserFunc turns it back into the (nil, err) pair
// the run loop returns to the caller. Step-level recovery (invoke)
// re-panics it untouched; childStep carries it out of a scope goroutine
// as an error and reraiseChildExit panics it again on the caller's side.
type earlyExit struct {
	err  error
	meta *StepFailureMeta
}

// raiseEarlyExit panics with the cached failure so that user code past
// this point in the workflow function never runs again on replay.
func raiseEarlyExit(err error, meta *StepFailureMeta) {
	panic(earlyExit{err: err, meta: meta})
}

// earlyExitCancelled is a distinct sentinel for cancellation observed at
// a step boundary or inside stepSleep/stepWithTimeout, kept separate from
// earlyExit so the
// run loop can tell "replaying a cached failure" apart from "cancelled
// mid-step" without inspecting error values.
type earlyExitCancelled struct {
	lastStepKey string
}

func raiseCancelled(lastStepKey string) {
	panic(earlyExitCancelled{lastStepKey: lastStepKey})
}

// runUserFunc invokes fn, recovering earlyExit/earlyExitCancelled
// panics into normal return values and wrapping any other panic as
// UnexpectedError. Panics raised inside a step's operation are recovered
// and classified by the step executor first; this is the place that
// recovers everything else the workflow function panics with.
func runUserFunc(run *Run, fn UserFunc) (value any, err error, cancelled bool) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		switch v := rec.(type) {
		case earlyExit:
			err = v.err
			return
		case earlyExitCancelled:
			cancelled = true
			run.cancelledAtKey = v.lastStepKey
			return
		default:
			err = unexpectedFromPanic(v)
		}
	}()
	value, err = fn(run.ctx, run)
	return
}
