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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/leapstress/timex"
)

// noon UTC, 12h from the next boundary
var testStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestNextBoundary(t *testing.T) {
	for _, tt := range []int64{0, 1, 43199, 86399, 86400, 1704110400, 2145916799} {
		b := NextBoundary(tt)
		require.Equal(t, int64(0), b%SecondsPerDay, "boundary for %d not midnight", tt)
		require.Greater(t, b, tt)
		require.LessOrEqual(t, b-tt, int64(SecondsPerDay))
	}
}

func TestNextBoundaryExample(t *testing.T) {
	noon := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Unix()
	midnight := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).Unix()
	require.Equal(t, midnight, NextBoundary(noon))
}

func TestSleepUntilRetriesSameTarget(t *testing.T) {
	f := timex.NewFake(testStart)
	f.InterruptNext = true
	s := NewScheduler(f)

	target := testStart.Unix() + 1000
	require.NoError(t, s.SleepUntil(target))

	// the retry used the same absolute target: no overshoot from the
	// partial sleep before the interrupt
	now, err := s.Now()
	require.NoError(t, err)
	require.Equal(t, target, now.Sec)
	require.Equal(t, int64(0), now.Nsec)
}

func TestForceTimeNear(t *testing.T) {
	f := timex.NewFake(testStart)
	s := NewScheduler(f)

	boundary := NextBoundary(testStart.Unix())
	require.NoError(t, s.ForceTimeNear(boundary, 10))

	now, err := s.Now()
	require.NoError(t, err)
	require.Equal(t, boundary-10, now.Sec)
	require.Equal(t, []int64{boundary - 10}, f.SetTimes)
}
