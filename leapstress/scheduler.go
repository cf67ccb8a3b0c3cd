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

package leapstress

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/leapstress/timex"
)

// SecondsPerDay is the length of a UTC day; leap events fire at exact
// multiples of it.
const SecondsPerDay = 86400

// NextBoundary returns the next midnight UTC strictly after epoch second t.
func NextBoundary(t int64) int64 {
	return t + (SecondsPerDay - t%SecondsPerDay)
}

// Scheduler performs the absolute-time sleeps between leap cycles and, in
// acceleration mode, steps the wall clock close to the next boundary.
type Scheduler struct {
	adj timex.Adjuster
}

// NewScheduler returns a Scheduler on top of the given Adjuster.
func NewScheduler(adj timex.Adjuster) *Scheduler {
	return &Scheduler{adj: adj}
}

// Now reads CLOCK_REALTIME.
func (s *Scheduler) Now() (unix.Timespec, error) {
	return s.adj.Gettime(unix.CLOCK_REALTIME)
}

// SleepUntil suspends until CLOCK_REALTIME reaches the given epoch second.
// An unrelated signal may interrupt the sleep; the retry reuses the same
// absolute target, so repeated partial sleeps cannot overshoot or drift.
func (s *Scheduler) SleepUntil(sec int64) error {
	target := unix.Timespec{Sec: sec}
	for {
		err := s.adj.SleepAbs(unix.CLOCK_REALTIME, target)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			log.Info("Something woke us up, returning to sleep")
			continue
		}
		return err
	}
}

// ForceTimeNear steps the wall clock to offset seconds before the given
// boundary, collapsing the real time between cycles. This moves the
// machine-wide clock and will fight with any running time sync daemon;
// callers gate it behind explicit opt-in.
func (s *Scheduler) ForceTimeNear(boundary, offset int64) error {
	return s.adj.Settimeofday(boundary - offset)
}
