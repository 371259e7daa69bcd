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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/common"
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/processwaiter"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sync/errgroup"
)

// Environment contract passed to the worker at launch
const (
	EndpointEnvVar       = "FUNCTIONS_TESTHOST_ENDPOINT"
	WorkerIDEnvVar       = "FUNCTIONS_TESTHOST_WORKER_ID"
	MaxMessageSizeEnvVar = "FUNCTIONS_TESTHOST_MAX_MESSAGE_SIZE"
	AppDirectoryEnvVar   = "FUNCTIONS_TESTHOST_APP_DIRECTORY"
)

const (
	DefaultStartTimeout    = 30 * time.Second
	DefaultStopGracePeriod = 10 * time.Second
	DefaultMaxMessageSize  = 100 * 1024 * 1024
)

// RunWorkerFunc launches the worker given the endpoint it must dial back to
// and the contract environment. Injectable so tests can substitute the real
// binary
type RunWorkerFunc func(endpoint string, env []string) (*os.Process, error)

// Configuration holds worker process settings
type Configuration struct {
	WorkerBinaryPath string
	WorkerArgs       []string
	WorkerDirectory  string
	StartTimeout     time.Duration
	StopGracePeriod  time.Duration
	MaxMessageSize   int
	Env              map[string]string

	// RunWorker overrides the default exec based launch when set
	RunWorker RunWorkerFunc
}

// Manager owns the worker child process: it launches it with the protocol
// environment, gates startup on engine readiness and guarantees teardown. No
// other component may signal or wait on the process
type Manager struct {
	logger        logger.Logger
	configuration *Configuration
	workerID      string

	lock      sync.Mutex
	process   *os.Process
	exitChan  <-chan processwaiter.WaitResult
	exited    bool
	exitState string
	stopped   bool

	pipePumps *errgroup.Group
}

// NewManager returns a worker process manager. The worker identity is
// generated here and stays fixed for the manager's lifetime
func NewManager(parentLogger logger.Logger, configuration *Configuration) (*Manager, error) {
	if configuration.StartTimeout == 0 {
		configuration.StartTimeout = DefaultStartTimeout
	}
	if configuration.StopGracePeriod == 0 {
		configuration.StopGracePeriod = DefaultStopGracePeriod
	}
	if configuration.MaxMessageSize == 0 {
		configuration.MaxMessageSize = DefaultMaxMessageSize
	}

	return &Manager{
		logger:        parentLogger.GetChild("worker"),
		configuration: configuration,
		workerID:      xid.New().String(),
	}, nil
}

// WorkerID returns the generated worker identity
func (m *Manager) WorkerID() string {
	return m.workerID
}

// Start launches the worker process and blocks until ready is signaled, the
// process dies, the startup deadline passes or ctx is canceled. On any
// failure the partially started process is torn down before returning
func (m *Manager) Start(ctx context.Context, endpoint string, ready <-chan struct{}) error {
	env := m.buildEnv(endpoint)

	runWorker := m.configuration.RunWorker
	if runWorker == nil {
		runWorker = m.runWorker
	}

	workerProcess, err := runWorker(endpoint, env)
	if err != nil {
		return errors.Wrap(err, "Failed to launch worker process")
	}

	m.lock.Lock()
	m.process = workerProcess
	m.exitChan = processwaiter.NewProcessWaiter().Wait(workerProcess, nil)
	m.lock.Unlock()

	m.logger.DebugWith("Worker process started",
		"pid", workerProcess.Pid,
		"workerId", m.workerID,
		"endpoint", endpoint)

	select {
	case <-ready:
		m.logger.DebugWith("Worker ready", "pid", workerProcess.Pid)
		return nil

	case waitResult := <-m.exitChan:
		m.recordExit(waitResult)
		m.Stop() // nolint: errcheck
		return &WorkerExitedError{State: m.exitState}

	case <-time.After(m.configuration.StartTimeout):
		m.Stop() // nolint: errcheck
		return &WorkerInitTimeoutError{Timeout: m.configuration.StartTimeout}

	case <-ctx.Done():
		m.Stop() // nolint: errcheck
		return ctx.Err()
	}
}

// Stop tears the worker process down: kill its descendants, kill it, wait up
// to the grace period for it to be reaped. Idempotent and safe to call even
// if startup never completed. Teardown errors are logged, never returned, so
// cleanup of other resources can proceed
func (m *Manager) Stop() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true

	if m.process == nil {
		return nil
	}

	if !m.exited {
		m.killProcessTree(m.process.Pid)

		select {
		case waitResult := <-m.exitChan:
			m.recordExitLocked(waitResult)
		case <-time.After(m.configuration.StopGracePeriod):
			m.logger.WarnWith("Worker process did not exit within grace period",
				"pid", m.process.Pid)
			m.process.Release() // nolint: errcheck
		}
	}

	// let the pipe pumps observe EOF before the handle goes away
	if m.exited && m.pipePumps != nil {
		m.pipePumps.Wait() // nolint: errcheck
	}

	m.logger.DebugWith("Worker process stopped", "state", m.exitState)
	m.process = nil

	return nil
}

func (m *Manager) buildEnv(endpoint string) []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("%s=%s", EndpointEnvVar, endpoint),
		fmt.Sprintf("%s=%s", WorkerIDEnvVar, m.workerID),
		fmt.Sprintf("%s=%d", MaxMessageSizeEnvVar, m.configuration.MaxMessageSize),
		fmt.Sprintf("%s=%s", AppDirectoryEnvVar, m.configuration.WorkerDirectory))
	env = append(env, common.EnvMapToSlice(m.configuration.Env)...)

	return env
}

func (m *Manager) runWorker(endpoint string, env []string) (*os.Process, error) {
	if !common.IsFile(m.configuration.WorkerBinaryPath) {
		return nil, errors.Errorf("Worker binary not found at %q", m.configuration.WorkerBinaryPath)
	}

	cmd := exec.Command(m.configuration.WorkerBinaryPath, m.configuration.WorkerArgs...)
	cmd.Dir = m.configuration.WorkerDirectory
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create stdout pipe")
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "Failed to start worker at %q", m.configuration.WorkerBinaryPath)
	}

	// drain the pipes in the background so the child never blocks on a full
	// pipe buffer
	m.pipePumps = &errgroup.Group{}
	m.pipePumps.Go(func() error {
		m.pumpPipe("stdout", stdout)
		return nil
	})
	m.pipePumps.Go(func() error {
		m.pumpPipe("stderr", stderr)
		return nil
	})

	return cmd.Process, nil
}

func (m *Manager) pumpPipe(name string, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		m.logger.DebugWith("Worker output", "pipe", name, "line", scanner.Text())
	}
}

// killProcessTree kills the process' descendants depth first, then the
// process itself
func (m *Manager) killProcessTree(pid int) {
	workerProcess, err := process.NewProcess(int32(pid))
	if err == nil {
		m.killDescendants(workerProcess)
	}

	if err := m.process.Kill(); err != nil {
		m.logger.WarnWith("Failed to kill worker process", "pid", pid, "err", err.Error())
	}
}

func (m *Manager) killDescendants(parent *process.Process) {
	children, err := parent.Children()
	if err != nil {

		// no children is the common case
		return
	}

	for _, child := range children {
		m.killDescendants(child)

		if err := child.Kill(); err != nil {
			m.logger.WarnWith("Failed to kill worker descendant",
				"pid", child.Pid,
				"err", err.Error())
		}
	}
}

func (m *Manager) recordExit(waitResult processwaiter.WaitResult) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.recordExitLocked(waitResult)
}

func (m *Manager) recordExitLocked(waitResult processwaiter.WaitResult) {
	m.exited = true

	switch {
	case waitResult.Err != nil:
		m.exitState = waitResult.Err.Error()
	case waitResult.ProcessState != nil:
		m.exitState = waitResult.ProcessState.String()
	default:
		m.exitState = "unknown"
	}
}
