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

import "sync"

// ReadySignal is a one shot, multi waiter readiness flag. Setting it more
// than once is a no-op
type ReadySignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewReadySignal returns an unset signal
func NewReadySignal() *ReadySignal {
	return &ReadySignal{
		ch: make(chan struct{}),
	}
}

// Set marks the signal, waking all current and future waiters
func (rs *ReadySignal) Set() {
	rs.once.Do(func() {
		close(rs.ch)
	})
}

// Done returns a channel closed once the signal is set
func (rs *ReadySignal) Done() <-chan struct{} {
	return rs.ch
}

// IsSet returns whether the signal was set
func (rs *ReadySignal) IsSet() bool {
	select {
	case <-rs.ch:
		return true
	default:
		return false
	}
}
