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

// Package mockworker implements an in-process worker that speaks the host
// protocol, used to exercise the engine and the test host without a real
// worker binary.
package mockworker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/rpc"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"github.com/rs/xid"
)

// WorkerVersion reported on init
const WorkerVersion = "mockworker/1.0"

// Function is one function the mock worker declares during metadata
// discovery
type Function struct {
	Name       string
	EntryPoint string
	ScriptFile string
	Bindings   []rpc.BindingInfo

	// LoadError makes the load response report failure with this message
	LoadError string

	// Handler builds the invocation response. When nil a generic success
	// response is returned
	Handler func(request *rpc.InvocationRequest) *rpc.InvocationResponse

	// Delay is applied before responding to an invocation, letting tests
	// force out of order responses
	Delay time.Duration
}

// Worker is a scriptable protocol peer. Invocations are served concurrently
// so responses can arrive in any order, like a real worker
type Worker struct {
	logger    logger.Logger
	workerID  string
	encoding  rpc.Encoding
	functions []Function

	lock          sync.Mutex
	stream        *rpc.MessageStream
	receivedKinds []rpc.MessageKind
	loaded        map[string]*Function
}

// NewWorker returns a mock worker declaring the given functions
func NewWorker(parentLogger logger.Logger, functions ...Function) *Worker {
	return &Worker{
		logger:    parentLogger.GetChild("mockworker"),
		workerID:  xid.New().String(),
		functions: functions,
		loaded:    map[string]*Function{},
	}
}

// SetEncoding overrides the default JSON wire encoding
func (w *Worker) SetEncoding(encoding rpc.Encoding) {
	w.encoding = encoding
}

// ReceivedKinds returns the kinds of all host messages seen so far, in
// arrival order
func (w *Worker) ReceivedKinds() []rpc.MessageKind {
	w.lock.Lock()
	defer w.lock.Unlock()

	kinds := make([]rpc.MessageKind, len(w.receivedKinds))
	copy(kinds, w.receivedKinds)
	return kinds
}

// Connect dials the host endpoint and serves the protocol until ctx ends or
// the host closes the stream
func (w *Worker) Connect(ctx context.Context, address string) error {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "Failed to dial host at %q", address)
	}

	return w.ServeConn(ctx, conn)
}

// ServeConn speaks the worker side of the protocol over an existing
// connection: it opens the stream and then answers host messages until the
// connection ends
func (w *Worker) ServeConn(ctx context.Context, conn net.Conn) error {
	stream, err := rpc.NewMessageStream(w.logger, conn, w.encoding)
	if err != nil {
		return errors.Wrap(err, "Failed to create message stream")
	}

	w.lock.Lock()
	w.stream = stream
	w.lock.Unlock()

	serveDone := make(chan struct{})
	defer close(serveDone)

	go func() {
		select {
		case <-ctx.Done():
			stream.Close() // nolint: errcheck
		case <-serveDone:
		}
	}()

	if err := stream.Send(&rpc.Message{
		Kind:        rpc.StartStreamKind,
		StartStream: &rpc.StartStream{WorkerID: w.workerID},
	}); err != nil {
		return errors.Wrap(err, "Failed to open stream")
	}

	for {
		message, err := stream.Receive()
		if err != nil {
			if rpc.IsTerminationError(err) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "Failed to receive host message")
		}

		w.recordKind(message.Kind)

		if err := w.handleMessage(message); err != nil {
			w.logger.WarnWith("Failed to handle host message",
				"kind", message.Kind,
				"err", err.Error())
		}
	}
}

// EmitLog sends a diagnostic log record to the host
func (w *Worker) EmitLog(level string, message string, with map[string]interface{}) error {
	return w.send(&rpc.Message{
		Kind: rpc.LogKind,
		Log: &rpc.LogRecord{
			Level:   level,
			Message: message,
			With:    with,
		},
	})
}

func (w *Worker) handleMessage(message *rpc.Message) error {
	switch message.Kind {
	case rpc.WorkerInitRequestKind:
		return w.send(&rpc.Message{
			Kind: rpc.WorkerInitResponseKind,
			WorkerInitResponse: &rpc.WorkerInitResponse{
				WorkerVersion: WorkerVersion,
				Result:        &rpc.StatusResult{Status: rpc.StatusSuccess},
			},
		})

	case rpc.FunctionsMetadataRequestKind:
		descriptors := make([]rpc.FunctionDescriptor, 0, len(w.functions))
		for _, function := range w.functions {
			descriptors = append(descriptors, rpc.FunctionDescriptor{
				Name:       function.Name,
				EntryPoint: function.EntryPoint,
				ScriptFile: function.ScriptFile,
				Bindings:   function.Bindings,
			})
		}

		return w.send(&rpc.Message{
			Kind: rpc.FunctionMetadataResponseKind,
			FunctionMetadataResponse: &rpc.FunctionMetadataResponse{
				Functions: descriptors,
				Result:    &rpc.StatusResult{Status: rpc.StatusSuccess},
			},
		})

	case rpc.FunctionLoadRequestKind:
		return w.handleLoadRequest(message.FunctionLoadRequest)

	case rpc.InvocationRequestKind:

		// served concurrently so responses may arrive out of order
		go w.handleInvocationRequest(message.InvocationRequest)
		return nil

	default:
		return errors.Errorf("Unexpected host message kind - %q", message.Kind)
	}
}

func (w *Worker) handleLoadRequest(loadRequest *rpc.FunctionLoadRequest) error {
	function := w.findFunction(loadRequest.Metadata.Name)

	result := rpc.StatusResult{Status: rpc.StatusSuccess}
	if function == nil {
		result = rpc.StatusResult{
			Status:    rpc.StatusFailure,
			Exception: &rpc.Exception{Message: "Unknown function"},
		}
	} else if function.LoadError != "" {
		result = rpc.StatusResult{
			Status:    rpc.StatusFailure,
			Exception: &rpc.Exception{Message: function.LoadError},
		}
	} else {
		w.lock.Lock()
		w.loaded[loadRequest.FunctionID] = function
		w.lock.Unlock()
	}

	return w.send(&rpc.Message{
		Kind: rpc.FunctionLoadResponseKind,
		FunctionLoadResponse: &rpc.FunctionLoadResponse{
			FunctionID: loadRequest.FunctionID,
			Result:     result,
		},
	})
}

func (w *Worker) handleInvocationRequest(invocationRequest *rpc.InvocationRequest) {
	w.lock.Lock()
	function := w.loaded[invocationRequest.FunctionID]
	w.lock.Unlock()

	var response *rpc.InvocationResponse

	switch {
	case function == nil:
		response = &rpc.InvocationResponse{
			InvocationID: invocationRequest.InvocationID,
			Result: rpc.StatusResult{
				Status:    rpc.StatusFailure,
				Exception: &rpc.Exception{Message: "Function is not loaded"},
			},
		}
	case function.Handler != nil:
		response = function.Handler(invocationRequest)
		response.InvocationID = invocationRequest.InvocationID
	default:
		response = &rpc.InvocationResponse{
			InvocationID: invocationRequest.InvocationID,
			Result:       rpc.StatusResult{Status: rpc.StatusSuccess},
			ReturnValue:  rpc.NewStringData("OK"),
		}
	}

	if function != nil && function.Delay > 0 {
		time.Sleep(function.Delay)
	}

	if err := w.send(&rpc.Message{
		Kind:               rpc.InvocationResponseKind,
		InvocationResponse: response,
	}); err != nil {
		w.logger.WarnWith("Failed to send invocation response",
			"invocationId", invocationRequest.InvocationID,
			"err", err.Error())
	}
}

func (w *Worker) findFunction(name string) *Function {
	for idx := range w.functions {
		if w.functions[idx].Name == name {
			return &w.functions[idx]
		}
	}

	return nil
}

func (w *Worker) recordKind(kind rpc.MessageKind) {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.receivedKinds = append(w.receivedKinds, kind)
}

func (w *Worker) send(message *rpc.Message) error {
	w.lock.Lock()
	stream := w.stream
	w.lock.Unlock()

	if stream == nil {
		return errors.New("Worker is not connected")
	}

	return stream.Send(message)
}
