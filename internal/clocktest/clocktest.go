// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clocktest adapts jonboulle/clockwork's fake clock to this
// module's internal clock.Clock interface, so scheduler and keepalive tests
// can advance time deterministically instead of sleeping.
//
// Compatibility between Go interfaces is shallow: methods that return other
// interfaces (Ticker, Timer) are compared nominally, so clockwork.Ticker and
// clock.Ticker are not interchangeable even though they're structurally
// identical. The wrapper below re-boxes the return values to paper over
// that.
package clocktest

import (
	"context"
	"time"

	"github.com/asyncdb/client-go/internal/clock"
	"github.com/jonboulle/clockwork"
)

// FakeClock is a clock.Clock that can be advanced under test control.
type FakeClock interface {
	clock.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// New creates a new FakeClock backed by clockwork.
func New() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

func (f fakeClock) NewTicker(d time.Duration) clock.Ticker {
	return f.FakeClock.NewTicker(d)
}

func (f fakeClock) NewTimer(d time.Duration) clock.Timer {
	timer := f.FakeClock.NewTimer(d)
	if d == 0 {
		// clockwork doesn't yet replicate the pre-1.23 stdlib behavior for a
		// zero-duration timer (fires synchronously); drain it ourselves.
		if !timer.Stop() {
			<-timer.Chan()
		}
	}
	return timer
}

func (f fakeClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return f.FakeClock.AfterFunc(d, fn)
}
