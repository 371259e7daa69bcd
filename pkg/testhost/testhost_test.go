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

package testhost

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/common"
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/engine"
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/mockworker"
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/rpc"
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/workerprocess"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"github.com/nuclio/zap"
	"github.com/shirou/gopsutil/process"
	"github.com/stretchr/testify/suite"
)

type TestHostSuite struct {
	suite.Suite
	logger logger.Logger

	testHost  *TestHost
	workerPid int
}

func (suite *TestHostSuite) SetupTest() {
	suite.logger, _ = nucliozap.NewNuclioZapTest("test")
	suite.testHost = nil
	suite.workerPid = 0
}

func (suite *TestHostSuite) TearDownTest() {
	if suite.testHost != nil {
		suite.testHost.Stop() // nolint: errcheck
	}
}

func (suite *TestHostSuite) TestBlobTriggerEndToEnd() {
	suite.startHost(mockworker.Function{
		Name: "ProcessBlob",
		Bindings: []rpc.BindingInfo{
			{Name: "blob", Type: "blobTrigger", Direction: rpc.BindingDirectionIn},
		},
		Handler: func(request *rpc.InvocationRequest) *rpc.InvocationResponse {
			blobPath := request.TriggerMetadata["BlobTrigger"].String
			return &rpc.InvocationResponse{
				Result: rpc.StatusResult{Status: rpc.StatusSuccess},
				OutputData: []rpc.ParameterBinding{
					{Name: "processedPath", Data: rpc.NewStringData(blobPath)},
				},
			}
		},
	})

	invocation, err := NewBlobTriggerInvocation("blob",
		"test-container",
		"test-file.json",
		[]byte(`{"orderId":"12345"}`))
	suite.Require().NoError(err)

	result, err := suite.testHost.InvokeTrigger(context.Background(), "ProcessBlob", invocation)
	suite.Require().NoError(err)
	suite.Require().True(result.Success)
	suite.Require().Empty(result.ErrorMessage)

	outputs := struct {
		ProcessedPath string `mapstructure:"processedPath"`
	}{}
	suite.Require().NoError(result.DecodeOutputs(&outputs))
	suite.Require().Equal("test-container/test-file.json", outputs.ProcessedPath)
}

func (suite *TestHostSuite) TestInvokeUnregisteredName() {
	suite.startHost(mockworker.Function{Name: "ProcessBlob"})

	_, err := suite.testHost.Invoke(context.Background(), "DoesNotExist", nil, nil)
	suite.Require().Error(err)

	notFoundErr, ok := err.(*engine.FunctionNotFoundError)
	suite.Require().True(ok, "expected FunctionNotFoundError, got %T", err)
	suite.Require().Contains(notFoundErr.Known, "ProcessBlob")
}

func (suite *TestHostSuite) TestStopIsIdempotent() {
	suite.startHost(mockworker.Function{Name: "ProcessBlob"})

	suite.Require().NoError(suite.testHost.Stop())
	suite.Require().NoError(suite.testHost.Stop())

	suite.requireWorkerGone()
}

func (suite *TestHostSuite) TestStartTimeoutWhenWorkerNeverConnects() {
	configuration := NewConfiguration()
	configuration.StartTimeout = 300 * time.Millisecond
	configuration.RunWorker = func(endpoint string, env []string) (*os.Process, error) {

		// a worker that never dials back
		return suite.runSleepingProcess()
	}

	testHost, err := Start(suite.logger, "/fake/worker", configuration)
	suite.Require().Error(err)
	suite.Require().Nil(testHost)

	rootCause := errors.RootCause(err)
	_, isTimeout := rootCause.(*workerprocess.WorkerInitTimeoutError)
	suite.Require().True(isTimeout, "expected WorkerInitTimeoutError, got %T", rootCause)

	suite.requireWorkerGone()
}

func (suite *TestHostSuite) TestCompletionLog() {
	suite.startHost(
		mockworker.Function{Name: "First"},
		mockworker.Function{Name: "Second"},
	)

	for _, functionName := range []string{"First", "Second", "First"} {
		result, err := suite.testHost.Invoke(context.Background(), functionName, nil, nil)
		suite.Require().NoError(err)
		suite.Require().True(result.Success)
	}

	completions := suite.testHost.Completions()
	suite.Require().Len(completions, 3)
	suite.Require().Equal("First", completions[0].FunctionName)
	suite.Require().Equal("Second", completions[1].FunctionName)
	suite.Require().Equal("First", completions[2].FunctionName)
}

func (suite *TestHostSuite) TestQueueTriggerHelper() {
	invocation := NewQueueTriggerInvocation("message", "orders", []byte("order 12345"))

	suite.Require().Len(invocation.Bindings, 1)
	suite.Require().Equal("message", invocation.Bindings[0].Name)
	suite.Require().Equal([]byte("order 12345"), invocation.Bindings[0].Data.Bytes)
	suite.Require().Equal("order 12345", invocation.TriggerMetadata["QueueTrigger"].String)
	suite.Require().Equal("orders", invocation.TriggerMetadata["QueueName"].String)
}

func (suite *TestHostSuite) TestLoadConfiguration() {
	configurationFile, err := os.CreateTemp(suite.T().TempDir(), "testhost-*.yaml")
	suite.Require().NoError(err)

	_, err = configurationFile.WriteString(`
startTimeout: 5s
encoding: msgpack
env:
  SETTING: value
`)
	suite.Require().NoError(err)
	suite.Require().NoError(configurationFile.Close())

	configuration, err := LoadConfiguration(configurationFile.Name())
	suite.Require().NoError(err)

	suite.Require().Equal(5*time.Second, configuration.StartTimeout)
	suite.Require().Equal(rpc.EncodingMsgPack, configuration.Encoding)
	suite.Require().Equal("value", configuration.Env["SETTING"])

	// unset fields keep their defaults
	suite.Require().Equal(workerprocess.DefaultStopGracePeriod, configuration.StopGracePeriod)
	suite.Require().Equal(workerprocess.DefaultMaxMessageSize, configuration.MaxMessageSize)
}

// startHost starts a test host whose worker process is a placeholder child
// while an in-process mock worker speaks the protocol
func (suite *TestHostSuite) startHost(functions ...mockworker.Function) {
	worker := mockworker.NewWorker(suite.logger, functions...)

	configuration := NewConfiguration()
	configuration.RunWorker = func(endpoint string, env []string) (*os.Process, error) {
		workerProcess, err := suite.runSleepingProcess()
		if err != nil {
			return nil, err
		}

		go worker.Connect(context.Background(), endpoint) // nolint: errcheck

		return workerProcess, nil
	}

	testHost, err := Start(suite.logger, "/fake/worker", configuration)
	suite.Require().NoError(err)

	suite.testHost = testHost
}

func (suite *TestHostSuite) runSleepingProcess() (*os.Process, error) {
	cmd := exec.Command("sleep", "300")
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	suite.workerPid = cmd.Process.Pid
	return cmd.Process, nil
}

func (suite *TestHostSuite) requireWorkerGone() {
	suite.Require().NotZero(suite.workerPid)

	err := common.RetryUntilSuccessful(5*time.Second, 50*time.Millisecond, func() bool {
		exists, err := process.PidExists(int32(suite.workerPid))
		return err == nil && !exists
	})
	suite.Require().NoError(err, "worker process %d is still running", suite.workerPid)
}

func TestTestHost(t *testing.T) {
	suite.Run(t, new(TestHostSuite))
}
