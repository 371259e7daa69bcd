//go:build test_unit

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

package processwaiter

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ProcessWaiterSuite struct {
	suite.Suite
}

func (suite *ProcessWaiterSuite) TestWaitForExit() {
	cmd := exec.Command("true")
	suite.Require().NoError(cmd.Start())

	waitResult := <-NewProcessWaiter().Wait(cmd.Process, nil)
	suite.Require().NoError(waitResult.Err)
	suite.Require().NotNil(waitResult.ProcessState)
	suite.Require().True(waitResult.ProcessState.Exited())
}

func (suite *ProcessWaiterSuite) TestTimeout() {
	cmd := exec.Command("sleep", "30")
	suite.Require().NoError(cmd.Start())

	defer func() {
		cmd.Process.Kill() // nolint: errcheck
		cmd.Wait()         // nolint: errcheck
	}()

	timeout := 100 * time.Millisecond
	waitResult := <-NewProcessWaiter().Wait(cmd.Process, &timeout)
	suite.Require().Equal(ErrTimeout, waitResult.Err)
}

func (suite *ProcessWaiterSuite) TestCancel() {
	cmd := exec.Command("sleep", "30")
	suite.Require().NoError(cmd.Start())

	defer func() {
		cmd.Process.Kill() // nolint: errcheck
		cmd.Wait()         // nolint: errcheck
	}()

	waiter := NewProcessWaiter()
	resultChan := waiter.Wait(cmd.Process, nil)

	waiter.Cancel()

	// cancelling twice is safe
	waiter.Cancel()

	waitResult := <-resultChan
	suite.Require().Equal(ErrCancelled, waitResult.Err)
}

func TestProcessWaiter(t *testing.T) {
	suite.Run(t, new(ProcessWaiterSuite))
}
