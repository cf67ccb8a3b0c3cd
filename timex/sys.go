/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package timex

import (
	"time"

	"golang.org/x/sys/unix"
)

// System is the Adjuster backed by the real kernel. Mutating calls
// (adjtimex with non-zero modes, settimeofday) require CAP_SYS_TIME.
type System struct{}

// Adjtimex performs the adjtimex(2) syscall
func (System) Adjtimex(tx *unix.Timex) (State, error) {
	state, err := unix.Adjtimex(tx)
	return State(state), err
}

// Gettime reads the given clock via clock_gettime(2)
func (System) Gettime(clockid int32) (unix.Timespec, error) {
	var ts unix.Timespec
	err := unix.ClockGettime(clockid, &ts)
	return ts, err
}

// SleepAbs suspends until the given clock reaches target.
// Absolute semantics mean a retry after EINTR resumes towards the same
// instant instead of accumulating drift.
func (System) SleepAbs(clockid int32, target unix.Timespec) error {
	return unix.ClockNanosleep(clockid, unix.TIMER_ABSTIME, &target, nil)
}

// SleepRel suspends for duration d on the given clock
func (System) SleepRel(clockid int32, d time.Duration) error {
	ts := unix.NsecToTimespec(int64(d))
	return unix.ClockNanosleep(clockid, 0, &ts, nil)
}

// Settimeofday steps the wall clock to the given epoch second
func (System) Settimeofday(sec int64) error {
	tv := unix.Timeval{Sec: sec}
	return unix.Settimeofday(&tv)
}
