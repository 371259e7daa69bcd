//go:build test_unit

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
	"bytes"
	"testing"

	"github.com/nuclio/logger"
	"github.com/nuclio/zap"
	"github.com/stretchr/testify/suite"
)

type EncoderSuite struct {
	suite.Suite
	logger logger.Logger
}

func (suite *EncoderSuite) SetupTest() {
	suite.logger, _ = nucliozap.NewNuclioZapTest("test")
}

func (suite *EncoderSuite) TestJSONRoundTrip() {
	suite.testRoundTrip(EncodingJSON)
}

func (suite *EncoderSuite) TestMsgPackRoundTrip() {
	suite.testRoundTrip(EncodingMsgPack)
}

func (suite *EncoderSuite) TestUnknownEncoding() {
	var buf bytes.Buffer

	_, err := NewMessageEncoder(suite.logger, &buf, Encoding("protobuf"))
	suite.Require().Error(err)

	_, err = NewMessageDecoder(suite.logger, &buf, Encoding("protobuf"))
	suite.Require().Error(err)
}

func (suite *EncoderSuite) TestTypedDataJSONHelpers() {
	payload := map[string]string{"orderId": "12345"}

	typedData, err := NewJSONDataFromObject(payload)
	suite.Require().NoError(err)
	suite.Require().Equal(DataKindJSON, typedData.Kind)

	decoded := map[string]string{}
	suite.Require().NoError(typedData.AsObject(&decoded))
	suite.Require().Equal("12345", decoded["orderId"])

	// AsObject requires json data
	suite.Require().Error(NewStringData("not json").AsObject(&decoded))
}

func (suite *EncoderSuite) testRoundTrip(encoding Encoding) {
	var buf bytes.Buffer

	encoder, err := NewMessageEncoder(suite.logger, &buf, encoding)
	suite.Require().NoError(err)

	sent := &Message{
		Kind: InvocationRequestKind,
		InvocationRequest: &InvocationRequest{
			InvocationID: "inv-1",
			FunctionID:   "func-1",
			InputData: []ParameterBinding{
				{Name: "blob", Data: NewJSONData(`{"name":"test-file.json"}`)},
				{Name: "raw", Data: NewBytesData([]byte{0x0, 0x1, 0x2})},
			},
			TriggerMetadata: map[string]*TypedData{
				"BlobTrigger": NewStringData("test-container/test-file.json"),
			},
			TraceContext: &TraceContext{TraceParent: "00-abc-def-01"},
		},
	}
	suite.Require().NoError(encoder.Encode(sent))

	decoder, err := NewMessageDecoder(suite.logger, &buf, encoding)
	suite.Require().NoError(err)

	received, err := decoder.Decode()
	suite.Require().NoError(err)

	suite.Require().Equal(InvocationRequestKind, received.Kind)
	suite.Require().NotNil(received.InvocationRequest)
	suite.Require().Equal("inv-1", received.InvocationRequest.InvocationID)
	suite.Require().Len(received.InvocationRequest.InputData, 2)
	suite.Require().Equal(DataKindJSON, received.InvocationRequest.InputData[0].Data.Kind)
	suite.Require().Equal([]byte{0x0, 0x1, 0x2}, received.InvocationRequest.InputData[1].Data.Bytes)
	suite.Require().Equal("test-container/test-file.json",
		received.InvocationRequest.TriggerMetadata["BlobTrigger"].String)
}

func TestEncoder(t *testing.T) {
	suite.Run(t, new(EncoderSuite))
}
