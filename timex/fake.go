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

const nsPerSec = int64(time.Second)

const secondsPerDay = 86400

// Fake is an in-memory Adjuster implementing the kernel leap second state
// machine. Sleeps advance the fake clocks instantly, so a full day-boundary
// cycle runs in microseconds. A leap insertion steps the wall clock back one
// second at midnight and reports TIME_OOP for the repeated second; a deletion
// skips the last second of the day. TIME_WAIT holds until STA_INS/STA_DEL are
// cleared, as the kernel does.
type Fake struct {
	now  int64 // CLOCK_REALTIME, ns
	mono int64 // CLOCK_MONOTONIC, ns
	tai  int32 // TAI-UTC offset, s

	status   int32
	maxerror int64
	state    State
	oopEnd   int64

	// fault injection
	InterruptNext bool          // next SleepAbs returns EINTR halfway
	EarlyWake     time.Duration // next SleepAbs wakes short of target
	NoTAI         bool          // CLOCK_TAI reads fail
	AdjtimexErr   error         // next Adjtimex call fails
	OnAdjtimex    func(f *Fake) // runs before every Adjtimex call

	// recorded mutations, for assertions
	StatusWrites   []int32
	MaxerrorWrites []int64
	SetTimes       []int64
}

// NewFake returns a fake clock starting at the given wall time, synchronized,
// with the current TAI-UTC offset of 37 seconds.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UnixNano(), tai: 37, state: StateOK}
}

// Now returns the fake wall clock reading.
func (f *Fake) Now() time.Time {
	return time.Unix(0, f.now)
}

// State returns the current discrete clock state.
func (f *Fake) State() State {
	return f.queryState()
}

// Status returns the current status bits.
func (f *Fake) Status() Status {
	return Status(f.status)
}

func (f *Fake) boundary() int64 {
	sec := f.now / nsPerSec
	return (sec + (secondsPerDay - sec%secondsPerDay)) * nsPerSec
}

// nextEdge returns the next instant at which the state machine transitions.
func (f *Fake) nextEdge() (int64, bool) {
	switch f.state {
	case StateIns:
		return f.boundary(), true
	case StateDel:
		return f.boundary() - nsPerSec, true
	case StateOOP:
		return f.oopEnd, true
	}
	return 0, false
}

func (f *Fake) transition() {
	switch f.state {
	case StateIns:
		// midnight repeats: step back one second, insertion in progress
		f.now -= nsPerSec
		f.oopEnd = f.now + nsPerSec
		f.state = StateOOP
	case StateDel:
		// last second of the day is skipped
		f.now += nsPerSec
		f.tai--
		f.state = StateWait
	case StateOOP:
		f.tai++
		f.state = StateWait
	}
}

// advance moves the clocks forward by d nanoseconds, applying any state
// machine transitions crossed on the way. The wall clock may end up less
// than d ahead when an insertion steps it back.
func (f *Fake) advance(d int64) {
	for {
		edge, ok := f.nextEdge()
		if ok && edge <= f.now {
			f.transition()
			continue
		}
		if d <= 0 {
			return
		}
		step := d
		if ok && f.now+step >= edge {
			step = edge - f.now
		}
		f.now += step
		f.mono += step
		d -= step
		if ok && f.now >= edge {
			f.transition()
		}
	}
}

func (f *Fake) setStatus(st int32) {
	f.status = st
	switch {
	case st&unix.STA_INS != 0 && f.state == StateOK:
		f.state = StateIns
	case st&unix.STA_DEL != 0 && f.state == StateOK:
		f.state = StateDel
	case st&(unix.STA_INS|unix.STA_DEL) == 0:
		if f.state == StateIns || f.state == StateDel || f.state == StateWait {
			f.state = StateOK
		}
	}
}

func (f *Fake) queryState() State {
	if f.status&unix.STA_UNSYNC != 0 {
		return StateError
	}
	return f.state
}

// ForceStatus overwrites the status bits the way a concurrently running
// time sync daemon would, bypassing the recorded mutation history.
func (f *Fake) ForceStatus(st int32) {
	f.setStatus(st)
}

// Adjtimex implements Adjuster.
func (f *Fake) Adjtimex(tx *unix.Timex) (State, error) {
	if f.OnAdjtimex != nil {
		f.OnAdjtimex(f)
	}
	if f.AdjtimexErr != nil {
		err := f.AdjtimexErr
		f.AdjtimexErr = nil
		return StateError, err
	}
	f.advance(0)
	if tx.Modes&unix.ADJ_STATUS != 0 {
		f.StatusWrites = append(f.StatusWrites, tx.Status)
		f.setStatus(tx.Status)
	}
	if tx.Modes&unix.ADJ_MAXERROR != 0 {
		f.MaxerrorWrites = append(f.MaxerrorWrites, tx.Maxerror)
		f.maxerror = tx.Maxerror
	}
	tx.Status = f.status
	tx.Maxerror = f.maxerror
	tx.Tai = f.tai
	tx.Time.Sec = f.now / nsPerSec
	tx.Time.Usec = (f.now % nsPerSec) / 1000
	return f.queryState(), nil
}

// Gettime implements Adjuster.
func (f *Fake) Gettime(clockid int32) (unix.Timespec, error) {
	f.advance(0)
	switch clockid {
	case unix.CLOCK_REALTIME:
		return unix.NsecToTimespec(f.now), nil
	case unix.CLOCK_MONOTONIC:
		return unix.NsecToTimespec(f.mono), nil
	case unix.CLOCK_TAI:
		if f.NoTAI {
			return unix.Timespec{}, unix.EINVAL
		}
		return unix.NsecToTimespec(f.now + int64(f.tai)*nsPerSec), nil
	}
	return unix.Timespec{}, unix.EINVAL
}

// SleepAbs implements Adjuster. A realtime sleep across a leap insertion
// takes the extra repeated second, exactly as the kernel behaves.
func (f *Fake) SleepAbs(clockid int32, target unix.Timespec) error {
	f.advance(0)
	targetNs := unix.TimespecToNsec(target)
	if f.EarlyWake > 0 {
		targetNs -= int64(f.EarlyWake)
		f.EarlyWake = 0
	}
	for {
		cur := f.now
		if clockid == unix.CLOCK_MONOTONIC {
			cur = f.mono
		}
		if cur >= targetNs {
			return nil
		}
		if f.InterruptNext {
			f.InterruptNext = false
			f.advance((targetNs - cur) / 2)
			return unix.EINTR
		}
		f.advance(targetNs - cur)
	}
}

// SleepRel implements Adjuster.
func (f *Fake) SleepRel(_ int32, d time.Duration) error {
	f.advance(int64(d))
	return nil
}

// Settimeofday implements Adjuster.
func (f *Fake) Settimeofday(sec int64) error {
	f.SetTimes = append(f.SetTimes, sec)
	f.now = sec * nsPerSec
	return nil
}
