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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/leapstress/timex"
)

// Record is one observation of the kernel state during the boundary window.
type Record struct {
	State     timex.State
	Sec       int64
	Usec      int64
	TAIOffset int32
	// TAI is the CLOCK_TAI reading, populated only in TAI display mode
	TAI unix.Timespec
}

// WatchResult is everything the Monitor observed across one boundary window.
type WatchResult struct {
	Boundary  int64
	Direction Direction
	Records   []Record
	Anomalies []string
}

// Sequence returns the distinct discrete states in observation order, with
// consecutive duplicates collapsed.
func (r *WatchResult) Sequence() []timex.State {
	var seq []timex.State
	for _, rec := range r.Records {
		if len(seq) == 0 || seq[len(seq)-1] != rec.State {
			seq = append(seq, rec.State)
		}
	}
	return seq
}

// Monitor polls the kernel state across the leap boundary. There is no push
// notification for leap transitions, so this is a bounded busy-poll: from
// the pre-boundary wakeup until Tail past the boundary, one query every
// Interval. The cadence is a chain of absolute-time sleeps on
// CLOCK_MONOTONIC, each target exactly Interval past the previous one, so
// the pacing neither drifts across polls nor moves with the wall clock
// stepping underneath us. An interrupted poll sleep retries the same
// absolute target.
type Monitor struct {
	// Interval is the polling cadence, default 500ms
	Interval time.Duration
	// Tail is how far past the boundary polling continues, default 2s
	Tail time.Duration
	// UseTAI switches the emitted records to the CLOCK_TAI domain
	UseTAI bool
	// Out receives one formatted line per poll, default os.Stdout
	Out io.Writer

	ctl *Controller
	adj timex.Adjuster
}

// NewMonitor returns a Monitor with the default window and cadence.
func NewMonitor(ctl *Controller, adj timex.Adjuster) *Monitor {
	return &Monitor{
		Interval: 500 * time.Millisecond,
		Tail:     2 * time.Second,
		Out:      os.Stdout,
		ctl:      ctl,
		adj:      adj,
	}
}

var (
	okLabel      = color.New(color.FgGreen).SprintfFunc()
	pendingLabel = color.New(color.FgYellow).SprintfFunc()
	errorLabel   = color.New(color.FgRed).SprintfFunc()
)

func stateLabel(s timex.State) string {
	switch s {
	case timex.StateOK:
		return okLabel("%s", s)
	case timex.StateError:
		return errorLabel("%s", s)
	default:
		return pendingLabel("%s", s)
	}
}

// Watch polls across the boundary and returns the observed records plus any
// anomalies in the transition sequence. Anomalies are findings, not errors:
// surfacing them is the point of the tool, so the cycle always completes.
// Only a rejected kernel call aborts the watch.
func (m *Monitor) Watch(boundary int64, dir Direction) (*WatchResult, error) {
	res := &WatchResult{Boundary: boundary, Direction: dir}

	// an external agent may have raced us during the long sleep
	if _, err := m.ctl.ValidateArmed(dir); err != nil {
		return res, err
	}

	tick, err := m.adj.Gettime(unix.CLOCK_MONOTONIC)
	if err != nil {
		return res, fmt.Errorf("reading CLOCK_MONOTONIC: %w", err)
	}

	tail := int64(m.Tail / time.Second)
	for {
		st, err := m.ctl.Query()
		if err != nil {
			return res, err
		}
		rec := Record{
			State:     st.State,
			Sec:       st.Sec,
			Usec:      st.Usec,
			TAIOffset: st.TAIOffset,
		}
		if m.UseTAI {
			tai, err := m.adj.Gettime(unix.CLOCK_TAI)
			if err != nil {
				return res, fmt.Errorf("reading CLOCK_TAI: %w", err)
			}
			rec.TAI = tai
		}
		res.Records = append(res.Records, rec)
		m.emit(rec)

		if st.Sec >= boundary+tail {
			break
		}
		tick = timex.Add(tick, m.Interval)
		for {
			err := m.adj.SleepAbs(unix.CLOCK_MONOTONIC, tick)
			if err == nil {
				break
			}
			if !errors.Is(err, unix.EINTR) {
				return res, fmt.Errorf("poll sleep: %w", err)
			}
			// stray signal; resume towards the same target
		}
	}
	res.Anomalies = analyze(res)
	return res, nil
}

func (m *Monitor) emit(rec Record) {
	if m.UseTAI {
		fmt.Fprintf(m.Out, "%d sec, %9d ns\t%s\n", rec.TAI.Sec, rec.TAI.Nsec, stateLabel(rec.State))
		return
	}
	wall := time.Unix(rec.Sec, 0).UTC().Format(time.ANSIC)
	fmt.Fprintf(m.Out, "%s + %6d us (%d)\t%s\n", wall, rec.Usec, rec.TAIOffset, stateLabel(rec.State))
}

// transition order across a correct cycle; later stages may be skipped but
// never revisited
func rank(s timex.State, started bool) int {
	switch s {
	case timex.StateOK:
		if started {
			return 4
		}
		return 0
	case timex.StateIns, timex.StateDel:
		return 1
	case timex.StateOOP:
		return 2
	case timex.StateWait:
		return 3
	}
	return -1
}

// analyze checks the recorded sequence against the allowed transition order
// TIME_OK -> TIME_INS/TIME_DEL -> TIME_OOP -> TIME_WAIT -> TIME_OK.
func analyze(res *WatchResult) []string {
	var anomalies []string
	cur := 0
	sawPending := false
	for _, rec := range res.Records {
		if rec.State == res.Direction.Flip().Pending() {
			anomalies = append(anomalies,
				fmt.Sprintf("observed %s while %s was armed", rec.State, res.Direction))
			continue
		}
		k := rank(rec.State, cur > 0)
		if k < 0 {
			anomalies = append(anomalies, fmt.Sprintf("observed %s during the window", rec.State))
			continue
		}
		if k < cur {
			anomalies = append(anomalies,
				fmt.Sprintf("state went backwards: %s at rank %d after rank %d", rec.State, k, cur))
			continue
		}
		cur = k
		if k == 1 && rec.Sec < res.Boundary {
			sawPending = true
		}
	}
	if !sawPending {
		anomalies = append(anomalies,
			fmt.Sprintf("%s was never observed before the boundary", res.Direction.Pending()))
	}
	return anomalies
}
