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

// Package leapstress drives the kernel leap second state machine through
// synthetic insertion and deletion cycles, one per UTC day boundary, and
// records how the kernel reports the transition.
package leapstress

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/leapstress/timex"
)

// Direction says whether the armed leap second inserts or deletes a second.
type Direction int

// leap directions, alternated every cycle
const (
	Insert Direction = iota
	Delete
)

func (d Direction) String() string {
	if d == Delete {
		return "delete"
	}
	return "insert"
}

// Flip returns the opposite direction.
func (d Direction) Flip() Direction {
	if d == Insert {
		return Delete
	}
	return Insert
}

func (d Direction) status() int32 {
	if d == Delete {
		return unix.STA_DEL
	}
	return unix.STA_INS
}

// Pending returns the discrete state the kernel reports once this direction
// is armed.
func (d Direction) Pending() timex.State {
	if d == Delete {
		return timex.StateDel
	}
	return timex.StateIns
}

// AdjustmentError is an adjtimex(2) call rejected by the kernel. It is fatal
// for the run: a rejection here means the environment cannot be stressed at
// all (insufficient privileges, or no NTP support in the kernel).
type AdjustmentError struct {
	Op    string
	State timex.State
	Err   error
}

func (e *AdjustmentError) Error() string {
	return fmt.Sprintf("adjtimex %s failed: %v (state %s)", e.Op, e.Err, e.State)
}

func (e *AdjustmentError) Unwrap() error {
	return e.Err
}

// Controller arms, clears and queries the kernel time adjustment state
// through an injected Adjuster. The state it manipulates is machine-wide:
// every other process on the host observes the same leap state machine, and
// a concurrently running time sync daemon will race with us. There is no
// mutual exclusion against such agents, only re-validation after arming.
type Controller struct {
	adj timex.Adjuster
}

// NewController returns a Controller on top of the given Adjuster.
func NewController(adj timex.Adjuster) *Controller {
	return &Controller{adj: adj}
}

// Clear resets the leap-pending flags and the max error estimate.
// It issues three separate adjtimex calls: kernels before 3.5 (missing
// 6b1859dba01c7) don't reliably drop STA_INS/STA_DEL from a single combined
// write, and a stale maxerror by itself can flip the clock to STA_UNSYNC.
// Safe to call with nothing armed.
func (c *Controller) Clear() error {
	tx := &unix.Timex{Modes: unix.ADJ_STATUS, Status: unix.STA_PLL}
	if state, err := c.adj.Adjtimex(tx); err != nil {
		return &AdjustmentError{Op: "clear status", State: state, Err: err}
	}
	tx = &unix.Timex{Modes: unix.ADJ_MAXERROR}
	if state, err := c.adj.Adjtimex(tx); err != nil {
		return &AdjustmentError{Op: "clear maxerror", State: state, Err: err}
	}
	tx = &unix.Timex{Modes: unix.ADJ_STATUS}
	if state, err := c.adj.Adjtimex(tx); err != nil {
		return &AdjustmentError{Op: "clear status", State: state, Err: err}
	}
	return nil
}

// Arm sets the insert or delete pending flag for the next UTC day boundary.
func (c *Controller) Arm(d Direction) error {
	tx := &unix.Timex{Modes: unix.ADJ_STATUS, Status: d.status()}
	if state, err := c.adj.Adjtimex(tx); err != nil {
		return &AdjustmentError{Op: "arm " + d.String(), State: state, Err: err}
	}
	return nil
}

// Query returns a snapshot of the kernel time adjustment state. The kernel
// may use any adjtimex call, including this read, as an opportunity to
// advance its state machine, so a query is not guaranteed to be inert.
func (c *Controller) Query() (timex.AdjustmentState, error) {
	tx := &unix.Timex{}
	state, err := c.adj.Adjtimex(tx)
	if err != nil {
		return timex.AdjustmentState{}, &AdjustmentError{Op: "query", State: state, Err: err}
	}
	return timex.AdjustmentState{
		State:     state,
		Status:    timex.Status(tx.Status),
		Sec:       tx.Time.Sec,
		Usec:      tx.Time.Usec,
		Maxerror:  tx.Maxerror,
		TAIOffset: tx.Tai,
	}, nil
}

// ValidateArmed re-queries the kernel and confirms a leap is still pending.
// An external agent (ntpd, chronyd) may have cleared the flag in the
// meantime; that race is recovered with a single re-arm and a warning.
func (c *Controller) ValidateArmed(d Direction) (timex.AdjustmentState, error) {
	st, err := c.Query()
	if err != nil {
		return st, err
	}
	if st.Status.Pending() {
		return st, nil
	}
	log.Warningf("something cleared STA_INS/STA_DEL, setting %s again", d)
	if err := c.Arm(d); err != nil {
		return st, err
	}
	return c.Query()
}
