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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/leapstress/timex"
)

func newTestRunner(f *timex.Fake, cfg Config) (*Runner, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cfg.Out = buf
	return New(cfg, f), buf
}

func TestRunnerSingleCycle(t *testing.T) {
	f := timex.NewFake(testStart)
	r, buf := newTestRunner(f, Config{Iterations: 1})

	require.NoError(t, r.Run(make(chan struct{})))

	require.Len(t, r.Results, 1)
	res := r.Results[0]
	require.Equal(t, Insert, res.Direction)
	require.Equal(t, NextBoundary(testStart.Unix()), res.Boundary)
	require.Empty(t, res.Watch.Anomalies)
	require.True(t, res.HRTimerOK)

	// kernel state restored: exactly one clear sequence during the cycle
	// and exactly one more after the loop, nothing in between
	require.Equal(t, []int32{unix.STA_PLL, 0, unix.STA_INS, unix.STA_PLL, 0}, f.StatusWrites)
	require.Equal(t, []int64{0, 0}, f.MaxerrorWrites)
	require.Equal(t, timex.StateOK, f.State())
	require.False(t, f.Status().Pending())

	// summary table got rendered
	require.Contains(t, buf.String(), "TIME_OOP")
	require.Contains(t, buf.String(), "insert")
}

func TestRunnerAlternatesDirection(t *testing.T) {
	f := timex.NewFake(testStart)
	r, _ := newTestRunner(f, Config{Iterations: 3})

	require.NoError(t, r.Run(make(chan struct{})))

	require.Len(t, r.Results, 3)
	require.Equal(t, Insert, r.Results[0].Direction)
	require.Equal(t, Delete, r.Results[1].Direction)
	require.Equal(t, Insert, r.Results[2].Direction)
	for _, res := range r.Results {
		require.Empty(t, res.Watch.Anomalies, "cycle %d", res.Index)
		require.True(t, res.HRTimerOK)
	}
	require.Equal(t, timex.StateOK, f.State())
}

func TestRunnerForceTime(t *testing.T) {
	f := timex.NewFake(testStart)
	r, _ := newTestRunner(f, Config{Iterations: 2, ForceTime: true})

	require.NoError(t, r.Run(make(chan struct{})))

	// every cycle stepped the clock to 10s before its boundary
	require.Len(t, f.SetTimes, 2)
	for i, res := range r.Results {
		require.Equal(t, res.Boundary-10, f.SetTimes[i])
	}
}

func TestRunnerTAIUnsupported(t *testing.T) {
	f := timex.NewFake(testStart)
	f.NoTAI = true
	r, _ := newTestRunner(f, Config{Iterations: 1, UseTAI: true})

	err := r.Run(make(chan struct{}))
	require.ErrorIs(t, err, ErrNoTAI)
	// failed fast: no kernel state was touched
	require.Empty(t, f.StatusWrites)
	require.Empty(t, r.Results)
}

func TestRunnerStopBeforeCycle(t *testing.T) {
	f := timex.NewFake(testStart)
	r, _ := newTestRunner(f, Config{})

	stop := make(chan struct{})
	close(stop)
	require.NoError(t, r.Run(stop))

	require.Empty(t, r.Results)
	// cleanup still ran
	require.Equal(t, []int32{unix.STA_PLL, 0}, f.StatusWrites)
	require.Equal(t, timex.StateOK, f.State())
}

func TestRunnerCleanupOnce(t *testing.T) {
	f := timex.NewFake(testStart)
	r, _ := newTestRunner(f, Config{Iterations: 1})

	require.NoError(t, r.Run(make(chan struct{})))
	writes := len(f.StatusWrites)

	// signal path racing normal exit must not clear twice
	r.Cleanup()
	r.Cleanup()
	require.Len(t, f.StatusWrites, writes)
}

func TestRunnerAnomalyDoesNotAbort(t *testing.T) {
	f := timex.NewFake(testStart)
	r, _ := newTestRunner(f, Config{Iterations: 1})

	// clock loses sync during the monitor window
	calls := 0
	f.OnAdjtimex = func(f *timex.Fake) {
		calls++
		if calls == 10 {
			f.ForceStatus(unix.STA_INS | unix.STA_UNSYNC)
		}
	}

	require.NoError(t, r.Run(make(chan struct{})))
	require.Len(t, r.Results, 1)
	require.NotEmpty(t, r.Results[0].Watch.Anomalies)

	// the final clear still ran
	last := f.StatusWrites[len(f.StatusWrites)-1]
	require.Equal(t, int32(0), last)
}

func TestRunnerAdjustmentErrorAborts(t *testing.T) {
	f := timex.NewFake(testStart)
	f.AdjtimexErr = unix.EPERM
	r, _ := newTestRunner(f, Config{Iterations: 5})

	err := r.Run(make(chan struct{}))
	require.Error(t, err)
	require.ErrorIs(t, err, unix.EPERM)
	require.Empty(t, r.Results)
}
