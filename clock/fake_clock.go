// Copyright 2025 Google LLC
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

package clock

import "time"

// FakeClock reads real wall time but compresses every After wait down to
// a fixed, test-controlled duration, so a test exercising a timed path
// does not actually sleep through the requested interval.
type FakeClock struct {
	WaitTime time.Duration
}

func (fc *FakeClock) Now() time.Time { return time.Now() }

// After fires once WaitTime has elapsed, regardless of the duration the
// caller asked for.
func (fc *FakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		time.Sleep(fc.WaitTime)
		ch <- time.Now()
	}()
	return ch
}
