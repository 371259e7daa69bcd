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
	"fmt"

	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/rpc"

	"github.com/nuclio/errors"
)

// Invocation pairs the generic binding list and trigger metadata the engine
// dispatches. Trigger helpers translate a domain specific payload into this
// shape; adding a trigger kind means adding a helper here, the engine is
// untouched
type Invocation struct {
	Bindings        []rpc.ParameterBinding
	TriggerMetadata map[string]*rpc.TypedData
}

// NewBlobTriggerInvocation builds the invocation a blob landing in a
// container would produce: the binding carries a JSON document with the blob
// name and content, the trigger metadata names the source path
func NewBlobTriggerInvocation(bindingName string,
	container string,
	blobName string,
	content []byte) (*Invocation, error) {

	payload, err := rpc.NewJSONDataFromObject(map[string]string{
		"name":    blobName,
		"content": string(content),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to build blob payload")
	}

	return &Invocation{
		Bindings: []rpc.ParameterBinding{
			{Name: bindingName, Data: payload},
		},
		TriggerMetadata: map[string]*rpc.TypedData{
			"BlobTrigger": rpc.NewStringData(fmt.Sprintf("%s/%s", container, blobName)),
			"Container":   rpc.NewStringData(container),
		},
	}, nil
}

// NewQueueTriggerInvocation builds the invocation a queue message would
// produce
func NewQueueTriggerInvocation(bindingName string,
	queueName string,
	message []byte) *Invocation {

	return &Invocation{
		Bindings: []rpc.ParameterBinding{
			{Name: bindingName, Data: rpc.NewBytesData(message)},
		},
		TriggerMetadata: map[string]*rpc.TypedData{
			"QueueTrigger": rpc.NewStringData(string(message)),
			"QueueName":    rpc.NewStringData(queueName),
		},
	}
}
