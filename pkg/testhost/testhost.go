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

// Package testhost composes a loopback listener, the protocol engine and the
// worker process manager into a single start/stop unit tests drive directly.
package testhost

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/engine"
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/rpc"
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/workerprocess"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

// TestHost is a running host instance bound to one worker process
type TestHost struct {
	logger        logger.Logger
	configuration *Configuration

	listener net.Listener
	port     int
	engine   *engine.Engine
	worker   *workerprocess.Manager

	cancelServe context.CancelFunc

	stopLock sync.Mutex
	stopped  bool
}

// Start binds an ephemeral loopback port, launches the worker binary pointed
// at it and blocks until the handshake reaches ready or startup fails. On
// failure every partially started resource is released before the error
// propagates
func Start(parentLogger logger.Logger, workerBinaryPath string, configuration *Configuration) (*TestHost, error) {
	if configuration == nil {
		configuration = NewConfiguration()
	}

	hostLogger := parentLogger.GetChild("testhost")

	appDirectory := configuration.FunctionAppDirectory
	if appDirectory == "" {
		appDirectory = filepath.Dir(workerBinaryPath)
	}

	protocolEngine := engine.NewEngine(hostLogger, &engine.Configuration{
		HostVersion:          configuration.HostVersion,
		WorkerDirectory:      filepath.Dir(workerBinaryPath),
		FunctionAppDirectory: appDirectory,
		MaxMessageSize:       configuration.MaxMessageSize,
		Encoding:             configuration.Encoding,
	})

	workerManager, err := workerprocess.NewManager(hostLogger, &workerprocess.Configuration{
		WorkerBinaryPath: workerBinaryPath,
		WorkerArgs:       configuration.WorkerArgs,
		WorkerDirectory:  appDirectory,
		StartTimeout:     configuration.StartTimeout,
		StopGracePeriod:  configuration.StopGracePeriod,
		MaxMessageSize:   configuration.MaxMessageSize,
		Env:              configuration.Env,
		RunWorker:        configuration.RunWorker,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create worker process manager")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "Failed to bind loopback listener")
	}

	serveCtx, cancelServe := context.WithCancel(context.Background())

	testHost := &TestHost{
		logger:        hostLogger,
		configuration: configuration,
		listener:      listener,
		port:          listener.Addr().(*net.TCPAddr).Port,
		engine:        protocolEngine,
		worker:        workerManager,
		cancelServe:   cancelServe,
	}

	go testHost.serve(serveCtx)

	hostLogger.DebugWith("Listener bound", "endpoint", testHost.Endpoint())

	if err := workerManager.Start(serveCtx, testHost.Endpoint(), protocolEngine.Ready()); err != nil {

		// no partially started resources may outlive a failed start
		testHost.Stop() // nolint: errcheck
		return nil, errors.Wrap(err, "Failed to start worker")
	}

	return testHost, nil
}

// Endpoint returns the loopback endpoint the worker dials back to
func (th *TestHost) Endpoint() string {
	return fmt.Sprintf("127.0.0.1:%d", th.port)
}

// Port returns the bound listener port
func (th *TestHost) Port() int {
	return th.port
}

// Invoke dispatches an invocation to the worker and blocks until its result
// arrives or ctx is canceled
func (th *TestHost) Invoke(ctx context.Context,
	functionName string,
	bindings []rpc.ParameterBinding,
	triggerMetadata map[string]*rpc.TypedData) (*engine.InvocationResult, error) {
	return th.engine.Invoke(ctx, functionName, bindings, triggerMetadata)
}

// InvokeTrigger dispatches a trigger invocation built by one of the trigger
// helpers
func (th *TestHost) InvokeTrigger(ctx context.Context,
	functionName string,
	invocation *Invocation) (*engine.InvocationResult, error) {
	return th.engine.Invoke(ctx, functionName, invocation.Bindings, invocation.TriggerMetadata)
}

// FunctionNames returns the functions currently registered on the connection
func (th *TestHost) FunctionNames() []string {
	return th.engine.FunctionNames()
}

// Completions returns the ordered completion log for post hoc inspection
func (th *TestHost) Completions() []engine.CompletionRecord {
	return th.engine.Completions()
}

// SetWorkerLogObserver forwards worker diagnostic log records to observer
func (th *TestHost) SetWorkerLogObserver(observer func(*rpc.LogRecord)) {
	th.engine.SetWorkerLogObserver(observer)
}

// Stop tears the host down: worker process first, then the listener.
// Idempotent, calling it twice produces no error and signals nothing twice
func (th *TestHost) Stop() error {
	th.stopLock.Lock()
	defer th.stopLock.Unlock()

	if th.stopped {
		return nil
	}
	th.stopped = true

	th.worker.Stop() // nolint: errcheck

	th.cancelServe()

	if err := th.listener.Close(); err != nil {
		th.logger.WarnWith("Failed to close listener", "err", err.Error())
	}

	th.logger.DebugWith("Test host stopped")

	return nil
}

func (th *TestHost) serve(ctx context.Context) {
	for {
		conn, err := th.listener.Accept()
		if err != nil {

			// listener closed during Stop
			return
		}

		go func() {
			if err := th.engine.HandleConnection(ctx, conn); err != nil {
				th.logger.WarnWith("Connection handler failed", "err", err.Error())
			}
		}()
	}
}
