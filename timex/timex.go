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

// Package timex wraps the adjtimex(2) syscall family behind the Adjuster
// interface, so that code driving the kernel leap second state machine can be
// tested against an in-memory fake implementing the same transition rules.
package timex

import (
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// State is the kernel clock state, the return value of adjtimex(2).
type State int

// man 2 adjtimex
const (
	// StateOK means the clock is synchronized and no leap second is pending
	StateOK State = unix.TIME_OK
	// StateIns means a leap second will be added at the end of the UTC day
	StateIns State = unix.TIME_INS
	// StateDel means a leap second will be deleted at the end of the UTC day
	StateDel State = unix.TIME_DEL
	// StateOOP means insertion of a leap second is in progress
	StateOOP State = unix.TIME_OOP
	// StateWait means a leap second insertion or deletion has completed
	StateWait State = unix.TIME_WAIT
	// StateError means the clock is not synchronized
	StateError State = unix.TIME_ERROR
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "TIME_OK"
	case StateIns:
		return "TIME_INS"
	case StateDel:
		return "TIME_DEL"
	case StateOOP:
		return "TIME_OOP"
	case StateWait:
		return "TIME_WAIT"
	case StateError:
		return "TIME_ERROR"
	default:
		return "TIME_UNKNOWN"
	}
}

// Status is the bitmask from the timex status field.
type Status int32

// Has reports whether all bits of flag are set.
func (s Status) Has(flag int32) bool {
	return int32(s)&flag == flag
}

// Pending reports whether a leap second insertion or deletion is armed.
func (s Status) Pending() bool {
	return int32(s)&(unix.STA_INS|unix.STA_DEL) != 0
}

func (s Status) String() string {
	var labels []string
	for _, item := range []struct {
		bit   int32
		label string
	}{
		{unix.STA_PLL, "STA_PLL"},
		{unix.STA_INS, "STA_INS"},
		{unix.STA_DEL, "STA_DEL"},
		{unix.STA_UNSYNC, "STA_UNSYNC"},
		{unix.STA_FREQHOLD, "STA_FREQHOLD"},
		{unix.STA_NANO, "STA_NANO"},
	} {
		if s.Has(item.bit) {
			labels = append(labels, item.label)
		}
	}
	if len(labels) == 0 {
		return "0"
	}
	return strings.Join(labels, "|")
}

// AdjustmentState is a snapshot of the kernel time adjustment state as
// reported by a single adjtimex(2) call.
type AdjustmentState struct {
	State     State
	Status    Status
	Sec       int64
	Usec      int64
	Maxerror  int64
	TAIOffset int32
}

// Adjuster is the capability every kernel time interaction goes through.
// The real implementation is System; tests use Fake.
type Adjuster interface {
	// Adjtimex performs the adjtimex(2) syscall with the given buffer
	Adjtimex(tx *unix.Timex) (State, error)
	// Gettime reads the given clock
	Gettime(clockid int32) (unix.Timespec, error)
	// SleepAbs suspends until the given clock reaches target (TIMER_ABSTIME)
	SleepAbs(clockid int32, target unix.Timespec) error
	// SleepRel suspends for the given duration on the given clock
	SleepRel(clockid int32, d time.Duration) error
	// Settimeofday steps the wall clock to the given epoch second
	Settimeofday(sec int64) error
}

// Add returns ts advanced by d, with the nanosecond field normalized.
func Add(ts unix.Timespec, d time.Duration) unix.Timespec {
	ts.Nsec += int64(d)
	for ts.Nsec >= int64(time.Second) {
		ts.Nsec -= int64(time.Second)
		ts.Sec++
	}
	return ts
}

// Compare orders two timespecs: -1 if a < b, 0 if equal, 1 if a > b.
func Compare(a, b unix.Timespec) int {
	switch {
	case a.Sec < b.Sec:
		return -1
	case a.Sec > b.Sec:
		return 1
	case a.Nsec < b.Nsec:
		return -1
	case a.Nsec > b.Nsec:
		return 1
	}
	return 0
}
