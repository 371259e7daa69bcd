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

package workerprocess

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/common"

	"github.com/nuclio/logger"
	"github.com/nuclio/zap"
	"github.com/shirou/gopsutil/process"
	"github.com/stretchr/testify/suite"
)

type ManagerSuite struct {
	suite.Suite
	logger logger.Logger
}

func (suite *ManagerSuite) SetupTest() {
	suite.logger, _ = nucliozap.NewNuclioZapTest("test")
}

func (suite *ManagerSuite) TestLaunchFailureMissingBinary() {
	manager := suite.newManager(&Configuration{
		WorkerBinaryPath: "/does/not/exist/worker",
	})

	err := manager.Start(context.Background(), "127.0.0.1:1", make(chan struct{}))
	suite.Require().Error(err)
	suite.Require().Contains(err.Error(), "not found")
}

func (suite *ManagerSuite) TestStartTimeoutTearsProcessDown() {
	var workerPid int

	manager := suite.newManager(&Configuration{
		StartTimeout: 200 * time.Millisecond,
		RunWorker: func(endpoint string, env []string) (*os.Process, error) {
			workerProcess, err := suite.runSleepingProcess()
			if err == nil {
				workerPid = workerProcess.Pid
			}
			return workerProcess, err
		},
	})

	// ready is never signaled
	err := manager.Start(context.Background(), "127.0.0.1:1", make(chan struct{}))
	suite.Require().Error(err)

	_, isTimeout := err.(*WorkerInitTimeoutError)
	suite.Require().True(isTimeout, "expected WorkerInitTimeoutError, got %T", err)

	// the partially started process must not remain running
	suite.requireProcessGone(workerPid)
}

func (suite *ManagerSuite) TestWorkerExitBeforeReadyFailsStart() {
	manager := suite.newManager(&Configuration{
		RunWorker: func(endpoint string, env []string) (*os.Process, error) {
			cmd := exec.Command("false")
			if err := cmd.Start(); err != nil {
				return nil, err
			}
			return cmd.Process, nil
		},
	})

	err := manager.Start(context.Background(), "127.0.0.1:1", make(chan struct{}))
	suite.Require().Error(err)

	_, isExited := err.(*WorkerExitedError)
	suite.Require().True(isExited, "expected WorkerExitedError, got %T", err)
}

func (suite *ManagerSuite) TestReadySignalCompletesStart() {
	ready := make(chan struct{})
	close(ready)

	var workerPid int
	manager := suite.newManager(&Configuration{
		RunWorker: func(endpoint string, env []string) (*os.Process, error) {
			workerProcess, err := suite.runSleepingProcess()
			if err == nil {
				workerPid = workerProcess.Pid
			}
			return workerProcess, err
		},
	})

	suite.Require().NoError(manager.Start(context.Background(), "127.0.0.1:1", ready))

	suite.Require().NoError(manager.Stop())
	suite.requireProcessGone(workerPid)
}

func (suite *ManagerSuite) TestStopIsIdempotent() {
	manager := suite.newManager(&Configuration{
		RunWorker: func(endpoint string, env []string) (*os.Process, error) {
			return suite.runSleepingProcess()
		},
	})

	// stopping a manager that never started is safe
	suite.Require().NoError(manager.Stop())
	suite.Require().NoError(manager.Stop())

	ready := make(chan struct{})
	close(ready)

	manager = suite.newManager(&Configuration{
		RunWorker: func(endpoint string, env []string) (*os.Process, error) {
			return suite.runSleepingProcess()
		},
	})
	suite.Require().NoError(manager.Start(context.Background(), "127.0.0.1:1", ready))

	suite.Require().NoError(manager.Stop())
	suite.Require().NoError(manager.Stop())
}

func (suite *ManagerSuite) TestEnvironmentContract() {
	manager := suite.newManager(&Configuration{
		WorkerDirectory: "/tmp/app",
		Env:             map[string]string{"EXTRA_SETTING": "value"},
	})

	env := manager.buildEnv("127.0.0.1:9000")

	suite.requireEnvValue(env, EndpointEnvVar, "127.0.0.1:9000")
	suite.requireEnvValue(env, WorkerIDEnvVar, manager.WorkerID())
	suite.requireEnvValue(env, MaxMessageSizeEnvVar, fmt.Sprintf("%d", DefaultMaxMessageSize))
	suite.requireEnvValue(env, AppDirectoryEnvVar, "/tmp/app")
	suite.requireEnvValue(env, "EXTRA_SETTING", "value")
}

func (suite *ManagerSuite) newManager(configuration *Configuration) *Manager {
	manager, err := NewManager(suite.logger, configuration)
	suite.Require().NoError(err)
	return manager
}

func (suite *ManagerSuite) runSleepingProcess() (*os.Process, error) {
	cmd := exec.Command("sleep", "300")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Process, nil
}

func (suite *ManagerSuite) requireProcessGone(pid int) {
	suite.Require().NotZero(pid)

	err := common.RetryUntilSuccessful(5*time.Second, 50*time.Millisecond, func() bool {
		exists, err := process.PidExists(int32(pid))
		return err == nil && !exists
	})
	suite.Require().NoError(err, "process %d is still running", pid)
}

func (suite *ManagerSuite) requireEnvValue(env []string, name string, value string) {
	expected := fmt.Sprintf("%s=%s", name, value)
	for _, entry := range env {
		if entry == expected {
			return
		}
	}

	suite.Failf("Missing env entry", "expected %q in %s", expected, strings.Join(env, "\n"))
}

func TestManager(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}
