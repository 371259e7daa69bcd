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
	"fmt"
	"time"
)

// WorkerInitTimeoutError is returned when the worker did not reach ready
// within the startup deadline. It is fatal to startup and the partially
// started process is torn down before it propagates
type WorkerInitTimeoutError struct {
	Timeout time.Duration
}

func (e *WorkerInitTimeoutError) Error() string {
	return fmt.Sprintf("Worker did not become ready within %s", e.Timeout)
}

// WorkerExitedError is returned when the worker process died before the
// handshake reached ready
type WorkerExitedError struct {
	State string
}

func (e *WorkerExitedError) Error() string {
	return fmt.Sprintf("Worker process exited before becoming ready (%s)", e.State)
}
