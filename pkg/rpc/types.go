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

package rpc

// MessageKind discriminates the protocol messages exchanged between the
// test host and the worker process
type MessageKind string

const (
	StartStreamKind              MessageKind = "startStream"
	WorkerInitRequestKind        MessageKind = "workerInitRequest"
	WorkerInitResponseKind       MessageKind = "workerInitResponse"
	FunctionsMetadataRequestKind MessageKind = "functionsMetadataRequest"
	FunctionMetadataResponseKind MessageKind = "functionMetadataResponse"
	FunctionLoadRequestKind      MessageKind = "functionLoadRequest"
	FunctionLoadResponseKind     MessageKind = "functionLoadResponse"
	InvocationRequestKind        MessageKind = "invocationRequest"
	InvocationResponseKind       MessageKind = "invocationResponse"
	LogKind                      MessageKind = "rpcLog"
)

// Status values carried by StatusResult
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Message is the single envelope put on the wire. Kind names the variant and
// exactly one of the payload pointers matching it is populated. Adding a
// message kind means adding a field here and a handler in the engine, the
// dispatch loop itself stays untouched
type Message struct {
	Kind MessageKind `json:"kind"`

	StartStream              *StartStream              `json:"startStream,omitempty"`
	WorkerInitRequest        *WorkerInitRequest        `json:"workerInitRequest,omitempty"`
	WorkerInitResponse       *WorkerInitResponse       `json:"workerInitResponse,omitempty"`
	FunctionsMetadataRequest *FunctionsMetadataRequest `json:"functionsMetadataRequest,omitempty"`
	FunctionMetadataResponse *FunctionMetadataResponse `json:"functionMetadataResponse,omitempty"`
	FunctionLoadRequest      *FunctionLoadRequest      `json:"functionLoadRequest,omitempty"`
	FunctionLoadResponse     *FunctionLoadResponse     `json:"functionLoadResponse,omitempty"`
	InvocationRequest        *InvocationRequest        `json:"invocationRequest,omitempty"`
	InvocationResponse       *InvocationResponse       `json:"invocationResponse,omitempty"`
	Log                      *LogRecord                `json:"rpcLog,omitempty"`
}

// StartStream is sent by the worker as soon as it has dialed back, announcing
// the identity it was launched with
type StartStream struct {
	WorkerID string `json:"workerId"`
}

// WorkerInitRequest declares the host to the worker
type WorkerInitRequest struct {
	HostVersion          string            `json:"hostVersion"`
	WorkerDirectory      string            `json:"workerDirectory"`
	FunctionAppDirectory string            `json:"functionAppDirectory"`
	MaxMessageSize       int               `json:"maxMessageSize"`
	Capabilities         map[string]string `json:"capabilities,omitempty"`
}

// WorkerInitResponse acknowledges the init request
type WorkerInitResponse struct {
	WorkerVersion string            `json:"workerVersion"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	Result        *StatusResult     `json:"result,omitempty"`
}

// FunctionsMetadataRequest asks the worker to describe its functions
type FunctionsMetadataRequest struct {
	FunctionAppDirectory string `json:"functionAppDirectory"`
}

// FunctionMetadataResponse carries the worker's function descriptors
type FunctionMetadataResponse struct {
	Functions []FunctionDescriptor `json:"functions"`
	Result    *StatusResult        `json:"result,omitempty"`
}

// FunctionDescriptor describes a single function as reported by metadata
// discovery. Bindings preserve the declaration order
type FunctionDescriptor struct {
	Name       string        `json:"name"`
	EntryPoint string        `json:"entryPoint"`
	ScriptFile string        `json:"scriptFile"`
	Bindings   []BindingInfo `json:"bindings,omitempty"`
}

// BindingDirection of a declared binding
type BindingDirection string

const (
	BindingDirectionIn  BindingDirection = "in"
	BindingDirectionOut BindingDirection = "out"
)

// BindingInfo is a declared binding slot on a function
type BindingInfo struct {
	Name      string           `json:"name"`
	Type      string           `json:"type,omitempty"`
	Direction BindingDirection `json:"direction"`
}

// FunctionLoadRequest asks the worker to load one described function under
// the host assigned id
type FunctionLoadRequest struct {
	FunctionID string             `json:"functionId"`
	Metadata   FunctionDescriptor `json:"metadata"`
}

// FunctionLoadResponse reports the outcome of loading one function
type FunctionLoadResponse struct {
	FunctionID string       `json:"functionId"`
	Result     StatusResult `json:"result"`
}

// TraceContext carries distributed tracing headers on an invocation
type TraceContext struct {
	TraceParent string            `json:"traceParent,omitempty"`
	TraceState  string            `json:"traceState,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// InvocationRequest dispatches one invocation to the worker
type InvocationRequest struct {
	InvocationID    string                `json:"invocationId"`
	FunctionID      string                `json:"functionId"`
	InputData       []ParameterBinding    `json:"inputData,omitempty"`
	TriggerMetadata map[string]*TypedData `json:"triggerMetadata,omitempty"`
	TraceContext    *TraceContext         `json:"traceContext,omitempty"`
}

// InvocationResponse carries the worker's result for one invocation,
// correlated by InvocationID
type InvocationResponse struct {
	InvocationID string             `json:"invocationId"`
	Result       StatusResult       `json:"result"`
	ReturnValue  *TypedData         `json:"returnValue,omitempty"`
	OutputData   []ParameterBinding `json:"outputData,omitempty"`
}

// StatusResult is the status envelope shared by responses
type StatusResult struct {
	Status    string     `json:"status"`
	Exception *Exception `json:"exception,omitempty"`
}

// Exception describes a worker side failure
type Exception struct {
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// Success returns whether the result reports success
func (sr *StatusResult) Success() bool {
	return sr.Status == StatusSuccess
}

// ParameterBinding pairs a binding name with its value, used both for
// invocation arguments and for output data
type ParameterBinding struct {
	Name string     `json:"name"`
	Data *TypedData `json:"data,omitempty"`
}

// LogRecord is a diagnostic log line emitted by the worker at any time. It
// never alters protocol state
type LogRecord struct {
	InvocationID string                 `json:"invocationId,omitempty"`
	Level        string                 `json:"level"`
	Message      string                 `json:"message"`
	With         map[string]interface{} `json:"with,omitempty"`
}
