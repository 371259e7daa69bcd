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

package engine

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/common"
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/rpc"

	"github.com/google/uuid"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

// DefaultHostVersion is declared to the worker during init
const DefaultHostVersion = "4.0.0-testhost"

// Phase is the handshake state of one connection. The handshake is a strict
// single pass negotiation, there are no backward transitions
type Phase int

const (
	PhaseAwaitingConnection Phase = iota
	PhaseAwaitingInitResponse
	PhaseAwaitingMetadata
	PhaseLoading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingConnection:
		return "awaitingConnection"
	case PhaseAwaitingInitResponse:
		return "awaitingInitResponse"
	case PhaseAwaitingMetadata:
		return "awaitingMetadata"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Configuration holds the connection scoped engine settings
type Configuration struct {
	HostVersion          string
	WorkerDirectory      string
	FunctionAppDirectory string
	MaxMessageSize       int
	Encoding             rpc.Encoding
}

// Engine drives the host side of the worker protocol over a single
// bidirectional message stream: it runs the handshake state machine, then
// correlates invocation requests with their responses. All outbound writes go
// through the engine's stream handle, no other component writes to it
type Engine struct {
	logger        logger.Logger
	configuration *Configuration

	registry   *FunctionRegistry
	correlator *Correlator
	ready      *ReadySignal

	stateLock         sync.Mutex
	phase             Phase
	stream            *rpc.MessageStream
	expectedFunctions int
	loadedFunctions   int

	workerLogObserverLock sync.RWMutex
	workerLogObserver     func(*rpc.LogRecord)
}

// NewEngine returns an engine for a single worker connection
func NewEngine(parentLogger logger.Logger, configuration *Configuration) *Engine {
	if configuration.HostVersion == "" {
		configuration.HostVersion = DefaultHostVersion
	}

	return &Engine{
		logger:        parentLogger.GetChild("engine"),
		configuration: configuration,
		registry:      NewFunctionRegistry(),
		correlator:    NewCorrelator(),
		ready:         NewReadySignal(),
		phase:         PhaseAwaitingConnection,
	}
}

// Ready returns a channel closed once the handshake reached ready
func (e *Engine) Ready() <-chan struct{} {
	return e.ready.Done()
}

// IsReady returns whether the handshake completed
func (e *Engine) IsReady() bool {
	return e.ready.IsSet()
}

// Phase returns the current handshake phase
func (e *Engine) Phase() Phase {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	return e.phase
}

// FunctionNames returns the names of the currently registered functions
func (e *Engine) FunctionNames() []string {
	return e.registry.Names()
}

// Completions returns the ordered connection scoped completion log
func (e *Engine) Completions() []CompletionRecord {
	return e.correlator.Completions()
}

// SetWorkerLogObserver registers a callback invoked for every diagnostic log
// record the worker emits, in addition to host side logging
func (e *Engine) SetWorkerLogObserver(observer func(*rpc.LogRecord)) {
	e.workerLogObserverLock.Lock()
	defer e.workerLogObserverLock.Unlock()

	e.workerLogObserver = observer
}

// HandleConnection serves one worker connection until the stream ends or ctx
// is canceled, both of which terminate the inbound loop as expected shutdown.
// Messages are processed strictly in arrival order by this single loop
func (e *Engine) HandleConnection(ctx context.Context, conn net.Conn) error {
	stream, err := rpc.NewMessageStream(e.logger, conn, e.configuration.Encoding)
	if err != nil {
		return errors.Wrap(err, "Failed to create message stream")
	}

	e.stateLock.Lock()
	if e.stream != nil {
		e.stateLock.Unlock()
		return errors.New("Engine already serves a connection")
	}
	e.stream = stream
	e.stateLock.Unlock()

	e.logger.DebugWith("Worker connected", "remoteAddr", conn.RemoteAddr())

	// unblock the reader when the caller gives up on the connection
	loopDone := make(chan struct{})
	defer close(loopDone)

	go func() {
		select {
		case <-ctx.Done():
			stream.Close() // nolint: errcheck
		case <-loopDone:
		}
	}()

	for {
		message, err := stream.Receive()
		if err != nil {
			if rpc.IsTerminationError(err) || ctx.Err() != nil {
				e.logger.DebugWith("Stream terminated", "phase", e.Phase())
				return nil
			}

			e.logger.WarnWith("Failed to receive message", "err", err.Error())
			continue
		}

		if err := e.handleMessage(message); err != nil {
			e.logger.WarnWith("Failed to handle message",
				"kind", message.Kind,
				"err", err.Error())
		}
	}
}

// Invoke dispatches one invocation and blocks until the worker responds or
// ctx is canceled. A failure reported by the worker resolves as a result with
// Success false, not as an error. Cancellation is local only: the entry is
// dropped but no wire level cancel is sent
func (e *Engine) Invoke(ctx context.Context,
	functionName string,
	bindings []rpc.ParameterBinding,
	triggerMetadata map[string]*rpc.TypedData) (*InvocationResult, error) {

	if !e.ready.IsSet() {
		return nil, &ErrEngineNotReady{}
	}

	definition, found := e.registry.Get(functionName)
	if !found {
		return nil, &FunctionNotFoundError{
			Function: functionName,
			Known:    e.registry.Names(),
		}
	}

	invocationID := uuid.New().String()
	pending := e.correlator.Add(invocationID, definition.Name)

	e.logger.DebugWith("Invoking function",
		"function", definition.Name,
		"functionId", definition.ID,
		"invocationId", invocationID)

	message := &rpc.Message{
		Kind: rpc.InvocationRequestKind,
		InvocationRequest: &rpc.InvocationRequest{
			InvocationID:    invocationID,
			FunctionID:      definition.ID,
			InputData:       bindings,
			TriggerMetadata: triggerMetadata,
			TraceContext:    newTraceContext(invocationID),
		},
	}

	if err := e.stream.Send(message); err != nil {
		e.correlator.Cancel(invocationID)
		return nil, errors.Wrapf(err, "Failed to send invocation request for %q", definition.Name)
	}

	select {
	case result := <-pending.resultChan:
		return result, nil
	case <-ctx.Done():
		e.correlator.Cancel(invocationID)
		return nil, ctx.Err()
	}
}

func (e *Engine) handleMessage(message *rpc.Message) error {
	switch message.Kind {
	case rpc.StartStreamKind:
		return e.handleStartStream(message.StartStream)
	case rpc.WorkerInitResponseKind:
		return e.handleWorkerInitResponse(message.WorkerInitResponse)
	case rpc.FunctionMetadataResponseKind:
		return e.handleMetadataResponse(message.FunctionMetadataResponse)
	case rpc.FunctionLoadResponseKind:
		return e.handleLoadResponse(message.FunctionLoadResponse)
	case rpc.InvocationResponseKind:
		return e.handleInvocationResponse(message.InvocationResponse)
	case rpc.LogKind:
		e.handleWorkerLog(message.Log)
		return nil
	default:
		return errors.Errorf("Unknown message kind - %q", message.Kind)
	}
}

func (e *Engine) handleStartStream(startStream *rpc.StartStream) error {
	if startStream == nil {
		return errors.New("Start stream message carries no payload")
	}

	if phase := e.transition(PhaseAwaitingConnection, PhaseAwaitingInitResponse); phase != PhaseAwaitingConnection {
		return errors.Errorf("Unexpected start stream in phase %q", phase)
	}

	e.logger.DebugWith("Stream opened", "workerId", startStream.WorkerID)

	return e.stream.Send(&rpc.Message{
		Kind: rpc.WorkerInitRequestKind,
		WorkerInitRequest: &rpc.WorkerInitRequest{
			HostVersion:          e.configuration.HostVersion,
			WorkerDirectory:      e.configuration.WorkerDirectory,
			FunctionAppDirectory: e.configuration.FunctionAppDirectory,
			MaxMessageSize:       e.configuration.MaxMessageSize,
		},
	})
}

func (e *Engine) handleWorkerInitResponse(initResponse *rpc.WorkerInitResponse) error {
	if initResponse == nil {
		return errors.New("Worker init response carries no payload")
	}

	if phase := e.transition(PhaseAwaitingInitResponse, PhaseAwaitingMetadata); phase != PhaseAwaitingInitResponse {
		return errors.Errorf("Unexpected init response in phase %q", phase)
	}

	e.logger.DebugWith("Worker initialized", "workerVersion", initResponse.WorkerVersion)

	return e.stream.Send(&rpc.Message{
		Kind: rpc.FunctionsMetadataRequestKind,
		FunctionsMetadataRequest: &rpc.FunctionsMetadataRequest{
			FunctionAppDirectory: e.configuration.FunctionAppDirectory,
		},
	})
}

func (e *Engine) handleMetadataResponse(metadataResponse *rpc.FunctionMetadataResponse) error {
	if metadataResponse == nil {
		return errors.New("Metadata response carries no payload")
	}

	e.stateLock.Lock()
	if e.phase != PhaseAwaitingMetadata {
		phase := e.phase
		e.stateLock.Unlock()
		return errors.Errorf("Unexpected metadata response in phase %q", phase)
	}

	// nothing to load - the handshake is done
	if len(metadataResponse.Functions) == 0 {
		e.phase = PhaseReady
		e.stateLock.Unlock()

		e.markReady()
		return nil
	}

	e.phase = PhaseLoading
	e.expectedFunctions = len(metadataResponse.Functions)
	e.loadedFunctions = 0
	e.stateLock.Unlock()

	for _, descriptor := range metadataResponse.Functions {
		definition := e.registry.Register(descriptor)

		e.logger.DebugWith("Loading function",
			"function", definition.Name,
			"functionId", definition.ID,
			"entryPoint", definition.EntryPoint)

		if err := e.stream.Send(&rpc.Message{
			Kind: rpc.FunctionLoadRequestKind,
			FunctionLoadRequest: &rpc.FunctionLoadRequest{
				FunctionID: definition.ID,
				Metadata:   descriptor,
			},
		}); err != nil {
			return errors.Wrapf(err, "Failed to send load request for %q", definition.Name)
		}
	}

	return nil
}

func (e *Engine) handleLoadResponse(loadResponse *rpc.FunctionLoadResponse) error {
	if loadResponse == nil {
		return errors.New("Load response carries no payload")
	}

	definition, _ := e.registry.GetByID(loadResponse.FunctionID)
	functionName := loadResponse.FunctionID
	if definition != nil {
		functionName = definition.Name
	}

	// a failed load is not fatal to the handshake, the function just becomes
	// unavailable for invocation
	if !loadResponse.Result.Success() {
		errorMessage := ""
		if loadResponse.Result.Exception != nil {
			errorMessage = loadResponse.Result.Exception.Message
		}

		e.logger.WarnWith("Function failed to load",
			"function", functionName,
			"err", errorMessage)

		e.registry.UnregisterByID(loadResponse.FunctionID)
	} else {
		e.logger.DebugWith("Function loaded", "function", functionName)
	}

	e.stateLock.Lock()
	if e.phase != PhaseLoading {
		phase := e.phase
		e.stateLock.Unlock()
		return errors.Errorf("Unexpected load response in phase %q", phase)
	}

	e.loadedFunctions++
	loadingDone := e.loadedFunctions == e.expectedFunctions
	if loadingDone {
		e.phase = PhaseReady
	}
	e.stateLock.Unlock()

	if loadingDone {
		e.markReady()
	}

	return nil
}

func (e *Engine) handleInvocationResponse(invocationResponse *rpc.InvocationResponse) error {
	if invocationResponse == nil {
		return errors.New("Invocation response carries no payload")
	}

	resolved := e.correlator.Resolve(invocationResponse.InvocationID, func(functionName string) *InvocationResult {
		return newInvocationResult(functionName, invocationResponse)
	})

	if !resolved {

		// the caller canceled or the worker responded to an id we never sent
		e.logger.DebugWith("Dropping invocation response with no waiter",
			"invocationId", invocationResponse.InvocationID)
	}

	return nil
}

func (e *Engine) handleWorkerLog(logRecord *rpc.LogRecord) {
	if logRecord == nil {
		return
	}

	logFunc := e.logger.DebugWith
	switch logRecord.Level {
	case "error", "critical", "fatal":
		logFunc = e.logger.ErrorWith
	case "warning":
		logFunc = e.logger.WarnWith
	case "info":
		logFunc = e.logger.InfoWith
	}

	vars := common.MapToSlice(logRecord.With)
	logFunc(logRecord.Message, vars...)

	e.workerLogObserverLock.RLock()
	observer := e.workerLogObserver
	e.workerLogObserverLock.RUnlock()

	if observer != nil {
		observer(logRecord)
	}
}

// transition moves from one phase to the next if the engine is in the
// expected phase, returning the phase observed
func (e *Engine) transition(from Phase, to Phase) Phase {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	observed := e.phase
	if observed == from {
		e.phase = to
	}

	return observed
}

func (e *Engine) markReady() {
	e.logger.InfoWith("Worker ready", "functions", e.registry.Names())
	e.ready.Set()
}

// newTraceContext derives a W3C style traceparent from the correlation id so
// worker side traces can be tied back to the invocation
func newTraceContext(invocationID string) *rpc.TraceContext {
	traceID := strings.ReplaceAll(invocationID, "-", "")
	return &rpc.TraceContext{
		TraceParent: fmt.Sprintf("00-%s-%s-01", traceID, traceID[:16]),
	}
}
