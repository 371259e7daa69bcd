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
	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/rpc"

	"github.com/mitchellh/mapstructure"
	"github.com/nuclio/errors"
)

// InvocationResult is the terminal artifact of one invocation. A failure
// reported by the worker is carried here as data, not raised as an error, so
// tests can assert on its content
type InvocationResult struct {
	InvocationID   string
	FunctionName   string
	Success        bool
	ErrorMessage   string
	ErrorStack     string
	ReturnValue    *rpc.TypedData
	OutputBindings []rpc.ParameterBinding
}

func newInvocationResult(functionName string, response *rpc.InvocationResponse) *InvocationResult {
	result := &InvocationResult{
		InvocationID:   response.InvocationID,
		FunctionName:   functionName,
		Success:        response.Result.Success(),
		ReturnValue:    response.ReturnValue,
		OutputBindings: response.OutputData,
	}

	if exception := response.Result.Exception; exception != nil {
		result.ErrorMessage = exception.Message
		result.ErrorStack = exception.StackTrace
	}

	return result
}

// OutputBinding returns the named output binding value, if present
func (ir *InvocationResult) OutputBinding(name string) (*rpc.TypedData, bool) {
	for _, binding := range ir.OutputBindings {
		if binding.Name == name {
			return binding.Data, true
		}
	}

	return nil, false
}

// DecodeOutputs decodes the output bindings into target, a struct or map
// whose fields are matched by binding name. JSON valued bindings are
// deserialized first, other kinds are passed through as their raw value
func (ir *InvocationResult) DecodeOutputs(target interface{}) error {
	outputs := map[string]interface{}{}

	for _, binding := range ir.OutputBindings {
		if binding.Data == nil {
			continue
		}

		switch binding.Data.Kind {
		case rpc.DataKindJSON:
			var value interface{}
			if err := binding.Data.AsObject(&value); err != nil {
				return errors.Wrapf(err, "Failed to deserialize output binding %q", binding.Name)
			}
			outputs[binding.Name] = value
		case rpc.DataKindString:
			outputs[binding.Name] = binding.Data.String
		case rpc.DataKindBytes:
			outputs[binding.Name] = binding.Data.Bytes
		case rpc.DataKindInt:
			outputs[binding.Name] = binding.Data.Int
		case rpc.DataKindDouble:
			outputs[binding.Name] = binding.Data.Double
		}
	}

	if err := mapstructure.Decode(outputs, target); err != nil {
		return errors.Wrap(err, "Failed to decode output bindings")
	}

	return nil
}

// CompletionRecord is one entry of the connection scoped completion log
type CompletionRecord struct {
	InvocationID string
	FunctionName string
	Result       *InvocationResult
}
