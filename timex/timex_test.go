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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "TIME_OK", StateOK.String())
	require.Equal(t, "TIME_INS", StateIns.String())
	require.Equal(t, "TIME_DEL", StateDel.String())
	require.Equal(t, "TIME_OOP", StateOOP.String())
	require.Equal(t, "TIME_WAIT", StateWait.String())
	require.Equal(t, "TIME_ERROR", StateError.String())
	require.Equal(t, "TIME_UNKNOWN", State(42).String())
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "0", Status(0).String())
	require.Equal(t, "STA_PLL|STA_INS", Status(unix.STA_PLL|unix.STA_INS).String())
	require.Equal(t, "STA_DEL|STA_UNSYNC", Status(unix.STA_DEL|unix.STA_UNSYNC).String())
}

func TestStatusPending(t *testing.T) {
	require.False(t, Status(0).Pending())
	require.False(t, Status(unix.STA_PLL).Pending())
	require.True(t, Status(unix.STA_INS).Pending())
	require.True(t, Status(unix.STA_DEL).Pending())
}

func TestAdd(t *testing.T) {
	ts := unix.Timespec{Sec: 100, Nsec: 700000000}
	got := Add(ts, 500*time.Millisecond)
	require.Equal(t, unix.Timespec{Sec: 101, Nsec: 200000000}, got)

	got = Add(unix.Timespec{Sec: 100}, 3*time.Second)
	require.Equal(t, unix.Timespec{Sec: 103}, got)
}

func TestCompare(t *testing.T) {
	a := unix.Timespec{Sec: 10, Nsec: 5}
	b := unix.Timespec{Sec: 10, Nsec: 6}
	require.Equal(t, -1, Compare(a, b))
	require.Equal(t, 1, Compare(b, a))
	require.Equal(t, 0, Compare(a, a))
	require.Equal(t, -1, Compare(unix.Timespec{Sec: 9, Nsec: 999999999}, a))
}
