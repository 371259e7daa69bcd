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
	"sync"
)

// pendingInvocation is one outstanding invocation awaiting its response.
// resultChan is buffered so resolution never blocks the inbound loop
type pendingInvocation struct {
	invocationID string
	functionName string
	resultChan   chan *InvocationResult
}

// Correlator pairs invocation requests with their eventual responses by
// correlation id. Entries follow single writer per key discipline: inserted
// by the invoking goroutine, removed exactly once by whichever side resolves
// or cancels first
type Correlator struct {
	pending sync.Map

	completionsLock sync.Mutex
	completions     []CompletionRecord
}

// NewCorrelator returns an empty correlator
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Add creates a pending invocation keyed by invocationID
func (c *Correlator) Add(invocationID string, functionName string) *pendingInvocation {
	pending := &pendingInvocation{
		invocationID: invocationID,
		functionName: functionName,
		resultChan:   make(chan *InvocationResult, 1),
	}

	c.pending.Store(invocationID, pending)

	return pending
}

// Resolve hands the result to the waiting caller and records the completion.
// Returns false if no invocation with that id is outstanding, which happens
// when it was canceled or the id is unknown; a given id can never resolve
// twice since the entry is removed atomically
func (c *Correlator) Resolve(invocationID string, buildResult func(functionName string) *InvocationResult) bool {
	value, found := c.pending.LoadAndDelete(invocationID)
	if !found {
		return false
	}

	pending := value.(*pendingInvocation)
	result := buildResult(pending.functionName)

	c.appendCompletion(CompletionRecord{
		InvocationID: invocationID,
		FunctionName: pending.functionName,
		Result:       result,
	})

	pending.resultChan <- result
	return true
}

// Cancel removes a pending invocation without resolving it. Local only - the
// request already sent to the worker is not retracted
func (c *Correlator) Cancel(invocationID string) {
	c.pending.LoadAndDelete(invocationID)
}

// OutstandingCount returns the number of unresolved invocations
func (c *Correlator) OutstandingCount() int {
	count := 0
	c.pending.Range(func(_, _ interface{}) bool {
		count++
		return true
	})

	return count
}

// Completions returns a copy of the ordered completion log
func (c *Correlator) Completions() []CompletionRecord {
	c.completionsLock.Lock()
	defer c.completionsLock.Unlock()

	completions := make([]CompletionRecord, len(c.completions))
	copy(completions, c.completions)
	return completions
}

func (c *Correlator) appendCompletion(record CompletionRecord) {
	c.completionsLock.Lock()
	defer c.completionsLock.Unlock()

	c.completions = append(c.completions, record)
}
