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

import (
	"encoding/json"

	"github.com/nuclio/errors"
)

// DataKind discriminates the value held by a TypedData
type DataKind string

const (
	DataKindNone       DataKind = "none"
	DataKindString     DataKind = "string"
	DataKindBytes      DataKind = "bytes"
	DataKindJSON       DataKind = "json"
	DataKindInt        DataKind = "int"
	DataKindDouble     DataKind = "double"
	DataKindCollection DataKind = "collection"
)

// TypedData is the wire representation of a single invocation parameter or
// return value. Kind names the variant; only the matching payload field is
// meaningful
type TypedData struct {
	Kind       DataKind           `json:"kind"`
	String     string             `json:"string,omitempty"`
	Bytes      []byte             `json:"bytes,omitempty"`
	JSON       string             `json:"json,omitempty"`
	Int        int64              `json:"int,omitempty"`
	Double     float64            `json:"double,omitempty"`
	Collection []ParameterBinding `json:"collection,omitempty"`
}

// NewNoneData returns the empty value
func NewNoneData() *TypedData {
	return &TypedData{Kind: DataKindNone}
}

// NewStringData wraps a string value
func NewStringData(value string) *TypedData {
	return &TypedData{Kind: DataKindString, String: value}
}

// NewBytesData wraps a raw byte value
func NewBytesData(value []byte) *TypedData {
	return &TypedData{Kind: DataKindBytes, Bytes: value}
}

// NewJSONData wraps an already serialized JSON document
func NewJSONData(document string) *TypedData {
	return &TypedData{Kind: DataKindJSON, JSON: document}
}

// NewJSONDataFromObject serializes the given object and wraps it as JSON data
func NewJSONDataFromObject(object interface{}) (*TypedData, error) {
	serialized, err := json.Marshal(object)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to serialize object")
	}

	return NewJSONData(string(serialized)), nil
}

// NewIntData wraps an integer value
func NewIntData(value int64) *TypedData {
	return &TypedData{Kind: DataKindInt, Int: value}
}

// NewDoubleData wraps a floating point value
func NewDoubleData(value float64) *TypedData {
	return &TypedData{Kind: DataKindDouble, Double: value}
}

// NewCollectionData wraps a nested set of bindings
func NewCollectionData(bindings []ParameterBinding) *TypedData {
	return &TypedData{Kind: DataKindCollection, Collection: bindings}
}

// AsObject deserializes a JSON valued TypedData into target
func (td *TypedData) AsObject(target interface{}) error {
	if td.Kind != DataKindJSON {
		return errors.Errorf("Expected json data, got %q", td.Kind)
	}

	return json.Unmarshal([]byte(td.JSON), target)
}

// AsString returns a best effort string rendering of the value, used for
// diagnostics
func (td *TypedData) AsString() string {
	switch td.Kind {
	case DataKindString:
		return td.String
	case DataKindBytes:
		return string(td.Bytes)
	case DataKindJSON:
		return td.JSON
	default:
		serialized, _ := json.Marshal(td)
		return string(serialized)
	}
}
