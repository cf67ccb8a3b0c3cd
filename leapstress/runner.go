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
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/leapstress/timex"
)

// ErrNoTAI means TAI display was requested but CLOCK_TAI is not queryable.
var ErrNoTAI = fmt.Errorf("system doesn't support CLOCK_TAI")

// Config is the runner configuration, fed from the command line.
type Config struct {
	// Iterations is the number of leap cycles to run; <= 0 means unbounded
	Iterations int
	// ForceTime steps the wall clock to just before each boundary,
	// collapsing the day-long wait between cycles
	ForceTime bool
	// UseTAI displays monitor records in the CLOCK_TAI domain
	UseTAI bool
	// PollInterval overrides the monitor cadence, 0 keeps the 500ms default
	PollInterval time.Duration
	// Lead is how long before the boundary the monitor window opens, default 3s
	Lead time.Duration
	// Tail is how long past the boundary polling continues, default 2s
	Tail time.Duration
	// ForceOffset is how many seconds before the boundary ForceTime lands, default 10
	ForceOffset int64
	// Out receives monitor records and the end-of-run summary, default os.Stdout
	Out io.Writer
}

// CycleResult summarizes one completed leap cycle.
type CycleResult struct {
	Index     int
	Direction Direction
	Boundary  int64
	Watch     *WatchResult
	HRTimerOK bool
}

// Runner owns the stress loop: per cycle it clears and re-arms the kernel
// leap flag, sleeps to the boundary, runs the monitor window and the hrtimer
// probe, then flips direction. Whatever breaks the loop, Cleanup restores
// the machine-wide adjustment state before the process exits.
type Runner struct {
	cfg   Config
	adj   timex.Adjuster
	ctl   *Controller
	sched *Scheduler
	mon   *Monitor

	cleanup sync.Once

	// Results accumulates one entry per completed cycle
	Results []CycleResult
}

// New builds a Runner and its components on top of the given Adjuster.
func New(cfg Config, adj timex.Adjuster) *Runner {
	if cfg.Lead == 0 {
		cfg.Lead = 3 * time.Second
	}
	if cfg.ForceOffset == 0 {
		cfg.ForceOffset = 10
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	ctl := NewController(adj)
	mon := NewMonitor(ctl, adj)
	mon.UseTAI = cfg.UseTAI
	mon.Out = cfg.Out
	if cfg.PollInterval > 0 {
		mon.Interval = cfg.PollInterval
	}
	if cfg.Tail > 0 {
		mon.Tail = cfg.Tail
	}
	return &Runner{
		cfg:   cfg,
		adj:   adj,
		ctl:   ctl,
		sched: NewScheduler(adj),
		mon:   mon,
	}
}

// Cleanup restores the default kernel adjustment state. It is shared by the
// normal exit path and the signal path and runs the clear sequence once, no
// matter how many paths reach it. Safe with nothing armed.
func (r *Runner) Cleanup() {
	r.cleanup.Do(func() {
		if err := r.ctl.Clear(); err != nil {
			log.Errorf("clearing kernel time state: %v", err)
		}
	})
}

// Run executes the stress loop until the iteration budget is exhausted or
// stop is closed. The caller's signal handler is expected to call Cleanup
// itself before terminating; closing stop only covers the between-cycle
// check.
func (r *Runner) Run(stop <-chan struct{}) error {
	if r.cfg.UseTAI {
		if _, err := r.adj.Gettime(unix.CLOCK_TAI); err != nil {
			return fmt.Errorf("%w: %v", ErrNoTAI, err)
		}
	}
	if r.cfg.ForceTime {
		log.Info("Setting time to speed up testing")
		log.Warning("forced time mode fights with any running time sync daemon; stop ntpd/chronyd first")
	}
	if r.cfg.Iterations <= 0 {
		log.Info("This runs continuously. Press ctrl-c to stop")
	} else {
		log.Infof("Running for %d iterations. Press ctrl-c to stop", r.cfg.Iterations)
	}

	defer r.Cleanup()
	defer r.printSummary()

	dir := Insert
	left := r.cfg.Iterations
	for i := 0; ; i++ {
		select {
		case <-stop:
			log.Warning("interrupted")
			return nil
		default:
		}
		res, err := r.runCycle(i, dir)
		if err != nil {
			return err
		}
		r.Results = append(r.Results, res)
		log.Info("Leap complete")

		dir = dir.Flip()
		if r.cfg.Iterations > 0 {
			if left--; left == 0 {
				return nil
			}
		}
	}
}

func (r *Runner) runCycle(i int, dir Direction) (CycleResult, error) {
	res := CycleResult{Index: i, Direction: dir, HRTimerOK: true}

	now, err := r.sched.Now()
	if err != nil {
		return res, fmt.Errorf("reading clock: %w", err)
	}
	boundary := NextBoundary(now.Sec)
	res.Boundary = boundary

	if r.cfg.ForceTime {
		log.Infof("Setting time to %s", time.Unix(boundary-r.cfg.ForceOffset, 0).UTC())
		if err := r.sched.ForceTimeNear(boundary, r.cfg.ForceOffset); err != nil {
			return res, fmt.Errorf("setting time: %w", err)
		}
	}

	if err := r.ctl.Clear(); err != nil {
		return res, err
	}
	if err := r.ctl.Arm(dir); err != nil {
		return res, err
	}
	if _, err := r.ctl.ValidateArmed(dir); err != nil {
		return res, err
	}

	if r.cfg.UseTAI {
		log.Info("Using TAI time, no inconsistencies should be seen!")
	}
	log.Infof("Scheduling leap second %s for %s", dir, time.Unix(boundary, 0).UTC())

	if err := r.sched.SleepUntil(boundary - int64(r.cfg.Lead/time.Second)); err != nil {
		return res, fmt.Errorf("sleeping to boundary: %w", err)
	}

	w, err := r.mon.Watch(boundary, dir)
	res.Watch = w
	if err != nil {
		return res, err
	}
	for _, a := range w.Anomalies {
		log.Warningf("anomalous transition: %s", a)
	}

	ok, err := ProbeHRTimer(r.adj)
	if err != nil {
		return res, fmt.Errorf("hrtimer probe: %w", err)
	}
	res.HRTimerOK = ok
	if !ok {
		fmt.Fprintln(r.cfg.Out, color.RedString("ERROR: hrtimer early expiration failure observed."))
	}
	return res, nil
}

func (r *Runner) printSummary() {
	if len(r.Results) == 0 {
		return
	}
	table := tablewriter.NewWriter(r.cfg.Out)
	table.SetColWidth(60)
	table.SetHeader([]string{"cycle", "direction", "boundary", "observed", "anomalies", "hrtimer"})
	for _, res := range r.Results {
		seq := make([]string, 0, 4)
		anomalies := "0"
		if res.Watch != nil {
			for _, s := range res.Watch.Sequence() {
				seq = append(seq, s.String())
			}
			anomalies = strconv.Itoa(len(res.Watch.Anomalies))
		}
		hr := "ok"
		if !res.HRTimerOK {
			hr = "early expiration"
		}
		table.Append([]string{
			strconv.Itoa(res.Index + 1),
			res.Direction.String(),
			time.Unix(res.Boundary, 0).UTC().Format(time.RFC3339),
			strings.Join(seq, " -> "),
			anomalies,
			hr,
		})
	}
	table.Render()
}
