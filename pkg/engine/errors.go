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
	"fmt"
	"strings"
)

// FunctionNotFoundError is returned by Invoke when the requested function
// name matches no registered function. It carries the currently registered
// names for diagnostics
type FunctionNotFoundError struct {
	Function string
	Known    []string
}

func (e *FunctionNotFoundError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("Function %q is not registered (no functions are registered)", e.Function)
	}

	return fmt.Sprintf("Function %q is not registered (registered functions: %s)",
		e.Function,
		strings.Join(e.Known, ", "))
}

// ErrEngineNotReady is returned by Invoke before the handshake completed
type ErrEngineNotReady struct{}

func (e *ErrEngineNotReady) Error() string {
	return "Engine is not ready - handshake has not completed"
}
