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
	"math"
	"math/rand"
	"time"
)

// BackoffKind selects the delay curve a RetrySchedule follows between
// attempts.
type BackoffKind int

const (
	BackoffFixed BackoffKind = iota
	BackoffExponential
	BackoffFibonacci
)

// RetrySchedule configures stepRetry's attempt/delay/predicate behavior.
// Delays are capped at MaxDelay and widened by up to 20% jitter.
type RetrySchedule struct {
	Kind       BackoffKind
	MaxAttempts int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RetryIf decides whether a given attempt's error should be retried.
	// A nil RetryIf retries every non-nil error.
	RetryIf func(err error) bool
}

// DefaultRetrySchedule is a three-attempt exponential backoff starting at
// 200ms and capped at 5s, retrying every error.
func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{
		Kind:        BackoffExponential,
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

func (s RetrySchedule) shouldRetry(err error) bool {
	if s.RetryIf == nil {
		return err != nil
	}
	return err != nil && s.RetryIf(err)
}

func (s RetrySchedule) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return 1
	}
	return s.MaxAttempts
}

// delay computes the wait after the given failed attempt (1-based:
// delay(1) precedes attempt 2, delay(2) precedes attempt 3, ...): compute
// the raw curve, cap it, then add 0-20% jitter on top.
func (s RetrySchedule) delay(attempt int) time.Duration {
	base := float64(s.BaseDelay)
	if base <= 0 {
		base = float64(200 * time.Millisecond)
	}

	var raw float64
	switch s.Kind {
	case BackoffFixed:
		raw = base
	case BackoffFibonacci:
		raw = base * float64(fibonacci(attempt))
	case BackoffExponential:
		fallthrough
	default:
		raw = base * math.Pow(2.0, float64(attempt-1))
	}

	max := float64(s.MaxDelay)
	if max > 0 && raw > max {
		raw = max
	}

	jitter := raw * 0.2 * rand.Float64()
	return time.Duration(raw + jitter)
}

// fibonacci returns the n-th Fibonacci number (1-indexed, fib(1)=fib(2)=1)
// for use as a backoff multiplier.
func fibonacci(n int) int {
	if n <= 0 {
		return 1
	}
	a, b := 1, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return a
}
