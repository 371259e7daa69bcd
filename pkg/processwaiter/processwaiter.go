/*
Copyright 2024 The Functions Worker Test Host Authors.

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

// Package processwaiter provides a bounded, cancellable wait on a child
// process. Waiting also reaps the process, so a waiter must be the only
// component calling Wait on a given process.
package processwaiter

import (
	"os"
	"time"

	"github.com/nuclio/errors"
)

var ErrCancelled = errors.New("Wait cancelled")
var ErrTimeout = errors.New("Timed out waiting for process to exit")

// WaitResult carries the process state once the process exited, or the
// reason the wait ended early
type WaitResult struct {
	ProcessState *os.ProcessState
	Err          error
}

// ProcessWaiter waits on a single process. One waiter serves one Wait call
type ProcessWaiter struct {
	cancelChan chan struct{}
	resultChan chan WaitResult
}

// NewProcessWaiter returns a new process waiter
func NewProcessWaiter() *ProcessWaiter {
	return &ProcessWaiter{
		cancelChan: make(chan struct{}, 1),
		resultChan: make(chan WaitResult, 1),
	}
}

// Wait blocks on the process in the background and returns a channel that
// receives exactly one result: the exit state, ErrTimeout after timeout (when
// non-nil), or ErrCancelled
func (pw *ProcessWaiter) Wait(process *os.Process, timeout *time.Duration) <-chan WaitResult {
	var timeoutChan <-chan time.Time
	if timeout != nil {
		timeoutChan = time.After(*timeout)
	}

	processExitedChan := make(chan WaitResult, 1)

	go func() {

		// blocks until the process terminates, also reaping it
		go pw.waitForProcess(process, processExitedChan)

		select {
		case <-timeoutChan:
			pw.resultChan <- WaitResult{nil, ErrTimeout}
		case waitResult := <-processExitedChan:

			// cancellation and exit may race - prefer reporting cancellation
			select {
			case <-pw.cancelChan:
				pw.resultChan <- WaitResult{nil, ErrCancelled}
			default:
				pw.resultChan <- waitResult
			}
		case <-pw.cancelChan:
			pw.resultChan <- WaitResult{nil, ErrCancelled}
		}
	}()

	return pw.resultChan
}

// Cancel stops the wait. Safe to call more than once
func (pw *ProcessWaiter) Cancel() {
	select {
	case pw.cancelChan <- struct{}{}:
	default:
	}
}

func (pw *ProcessWaiter) waitForProcess(process *os.Process, processExitedChan chan WaitResult) {
	processState, err := process.Wait()
	processExitedChan <- WaitResult{processState, err}
	close(processExitedChan)
}
