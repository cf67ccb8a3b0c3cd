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
	"time"

	"golang.org/x/sys/unix"

	"github.com/facebookincubator/leapstress/timex"
)

// ProbeHRTimer checks for a known class of kernel timer bugs around leap
// second handling: an absolute CLOCK_REALTIME sleep expiring before its
// target. It sleeps 500ms past now and compares the clock against the
// target afterwards. Returns false when early expiration was observed; that
// finding is diagnostic, never a failure of this tool.
func ProbeHRTimer(adj timex.Adjuster) (bool, error) {
	now, err := adj.Gettime(unix.CLOCK_REALTIME)
	if err != nil {
		return false, err
	}
	target := timex.Add(now, 500*time.Millisecond)
	for {
		err = adj.SleepAbs(unix.CLOCK_REALTIME, target)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EINTR) {
			return false, err
		}
	}
	now, err = adj.Gettime(unix.CLOCK_REALTIME)
	if err != nil {
		return false, err
	}
	return timex.Compare(now, target) >= 0, nil
}
