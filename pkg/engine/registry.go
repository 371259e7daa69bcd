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
	"sort"
	"strings"
	"sync"

	"github.com/tombiddulph/azure-functions-dotnet-worker-test-host/pkg/rpc"

	"github.com/rs/xid"
	"github.com/samber/lo"
)

// FunctionDefinition is a function reported by metadata discovery, carrying
// the id the engine assigned to it. Immutable once registered
type FunctionDefinition struct {
	ID         string
	Name       string
	EntryPoint string
	ScriptFile string
	Bindings   []rpc.BindingInfo
}

// FunctionRegistry holds the functions known on one connection, keyed
// case insensitively by name
type FunctionRegistry struct {
	lock        sync.RWMutex
	definitions map[string]*FunctionDefinition
}

// NewFunctionRegistry returns an empty registry
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		definitions: map[string]*FunctionDefinition{},
	}
}

// Register assigns a fresh unique id to the described function and records it
func (fr *FunctionRegistry) Register(descriptor rpc.FunctionDescriptor) *FunctionDefinition {
	definition := &FunctionDefinition{
		ID:         xid.New().String(),
		Name:       descriptor.Name,
		EntryPoint: descriptor.EntryPoint,
		ScriptFile: descriptor.ScriptFile,
		Bindings:   descriptor.Bindings,
	}

	fr.lock.Lock()
	defer fr.lock.Unlock()

	fr.definitions[strings.ToLower(descriptor.Name)] = definition

	return definition
}

// Get looks a function up by name, case insensitively
func (fr *FunctionRegistry) Get(name string) (*FunctionDefinition, bool) {
	fr.lock.RLock()
	defer fr.lock.RUnlock()

	definition, found := fr.definitions[strings.ToLower(name)]
	return definition, found
}

// GetByID looks a function up by its assigned id
func (fr *FunctionRegistry) GetByID(functionID string) (*FunctionDefinition, bool) {
	fr.lock.RLock()
	defer fr.lock.RUnlock()

	for _, definition := range fr.definitions {
		if definition.ID == functionID {
			return definition, true
		}
	}

	return nil, false
}

// UnregisterByID removes a function, used when its load failed. Invoking it
// afterwards yields a not found error like any unknown name
func (fr *FunctionRegistry) UnregisterByID(functionID string) {
	fr.lock.Lock()
	defer fr.lock.Unlock()

	for key, definition := range fr.definitions {
		if definition.ID == functionID {
			delete(fr.definitions, key)
			return
		}
	}
}

// Names returns the registered function names, sorted
func (fr *FunctionRegistry) Names() []string {
	fr.lock.RLock()
	defer fr.lock.RUnlock()

	names := lo.Map(lo.Values(fr.definitions), func(definition *FunctionDefinition, _ int) string {
		return definition.Name
	})

	sort.Strings(names)
	return names
}

// Len returns the number of registered functions
func (fr *FunctionRegistry) Len() int {
	fr.lock.RLock()
	defer fr.lock.RUnlock()

	return len(fr.definitions)
}
