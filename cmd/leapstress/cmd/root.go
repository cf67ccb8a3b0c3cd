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

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebookincubator/leapstress/leapstress"
	"github.com/facebookincubator/leapstress/timex"
)

var (
	forceTimeFlag  bool
	iterationsFlag int
	taiFlag        bool
	verbose        bool
)

// RootCmd is the only command: the stress loop itself.
var RootCmd = &cobra.Command{
	Use:   "leapstress",
	Short: "Stress the kernel leap second state machine",
	Long: `leapstress signals the kernel to insert or delete a leap second at every
midnight UTC, polls the reported state across the transition and probes for
the historical hrtimer early-expiration bug.

It manipulates machine-wide kernel state and needs CAP_SYS_TIME. Disable
ntpd/chronyd first: a running time sync daemon races with this tool for the
same kernel flags. The pending-leap flag is cleared again on normal exit and
on SIGINT/SIGTERM; SIGKILL cannot be intercepted on any platform, so an
abrupt kill leaves the flag armed until a manual clear.`,
	RunE: runStress,
}

func init() {
	RootCmd.Flags().BoolVarP(&forceTimeFlag, "settime", "s", false,
		"each iteration, set the date to right before midnight UTC. Speeds up testing but calls settimeofday frequently, which may disrupt other applications")
	RootCmd.Flags().IntVarP(&iterationsFlag, "iterations", "i", -1,
		"number of iterations to run, negative runs until interrupted")
	RootCmd.Flags().BoolVarP(&taiFlag, "tai", "t", false,
		"print records in TAI time instead of UTC, fails at startup if CLOCK_TAI is unsupported")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// ConfigureVerbosity configures log verbosity based on parsed flags.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

func runStress(_ *cobra.Command, _ []string) error {
	ConfigureVerbosity()

	runner := leapstress.New(leapstress.Config{
		Iterations: iterationsFlag,
		ForceTime:  forceTimeFlag,
		UseTAI:     taiFlag,
	}, timex.System{})

	stop := make(chan struct{})
	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigStop
		// the handler only runs the bounded clear sequence, nothing blocking
		close(stop)
		runner.Cleanup()
		os.Exit(0)
	}()

	return runner.Run(stop)
}

// Execute is the main entry point for the CLI
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
