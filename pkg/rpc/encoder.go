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
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"github.com/vmihailenco/msgpack/v4"
)

// Encoding selects the wire encoding of the message stream
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgPack Encoding = "msgpack"
)

// MessageEncoder writes protocol messages to a stream
type MessageEncoder interface {
	Encode(message *Message) error
}

// MessageDecoder reads protocol messages off a stream
type MessageDecoder interface {
	Decode() (*Message, error)
}

// MessageJSONEncoder encodes messages as newline delimited JSON
type MessageJSONEncoder struct {
	logger logger.Logger
	writer io.Writer
}

// NewMessageJSONEncoder returns a new JSON encoder
func NewMessageJSONEncoder(parentLogger logger.Logger, writer io.Writer) *MessageJSONEncoder {
	return &MessageJSONEncoder{
		logger: parentLogger.GetChild("json-encoder"),
		writer: writer,
	}
}

// Encode writes the JSON encoding of message to the stream, followed by a
// newline character
func (e *MessageJSONEncoder) Encode(message *Message) error {
	return json.NewEncoder(e.writer).Encode(message)
}

// MessageJSONDecoder decodes newline delimited JSON messages
type MessageJSONDecoder struct {
	logger logger.Logger
	reader *bufio.Reader
}

// NewMessageJSONDecoder returns a new JSON decoder
func NewMessageJSONDecoder(parentLogger logger.Logger, reader io.Reader) *MessageJSONDecoder {
	return &MessageJSONDecoder{
		logger: parentLogger.GetChild("json-decoder"),
		reader: bufio.NewReader(reader),
	}
}

// Decode reads one message off the stream
func (d *MessageJSONDecoder) Decode() (*Message, error) {
	data, err := d.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	message := &Message{}
	if err := json.Unmarshal(data, message); err != nil {
		return nil, errors.Wrap(err, "Failed to unmarshal message")
	}

	return message, nil
}

// MessageMsgPackEncoder encodes messages as length prefixed msgpack
type MessageMsgPackEncoder struct {
	logger  logger.Logger
	writer  io.Writer
	buf     bytes.Buffer
	encoder *msgpack.Encoder
}

// NewMessageMsgPackEncoder returns a new msgpack encoder
func NewMessageMsgPackEncoder(parentLogger logger.Logger, writer io.Writer) *MessageMsgPackEncoder {
	messageMsgPackEncoder := &MessageMsgPackEncoder{
		logger: parentLogger.GetChild("msgpack-encoder"),
		writer: writer,
	}
	messageMsgPackEncoder.encoder = msgpack.NewEncoder(&messageMsgPackEncoder.buf)
	return messageMsgPackEncoder
}

// Encode writes the message as a big endian length prefix followed by the
// msgpack body
func (e *MessageMsgPackEncoder) Encode(message *Message) error {
	e.buf.Reset()
	if err := e.encoder.Encode(message); err != nil {
		return errors.Wrap(err, "Failed to encode message")
	}

	if err := binary.Write(e.writer, binary.BigEndian, int32(e.buf.Len())); err != nil {
		return errors.Wrap(err, "Failed to write message size to socket")
	}

	if _, err := e.writer.Write(e.buf.Bytes()); err != nil {
		return errors.Wrap(err, "Failed to write message to socket")
	}

	return nil
}

// MessageMsgPackDecoder decodes length prefixed msgpack messages
type MessageMsgPackDecoder struct {
	logger logger.Logger
	reader io.Reader
}

// NewMessageMsgPackDecoder returns a new msgpack decoder
func NewMessageMsgPackDecoder(parentLogger logger.Logger, reader io.Reader) *MessageMsgPackDecoder {
	return &MessageMsgPackDecoder{
		logger: parentLogger.GetChild("msgpack-decoder"),
		reader: bufio.NewReader(reader),
	}
}

// Decode reads one length prefixed message off the stream
func (d *MessageMsgPackDecoder) Decode() (*Message, error) {
	var messageSize int32
	if err := binary.Read(d.reader, binary.BigEndian, &messageSize); err != nil {
		return nil, err
	}

	body := make([]byte, messageSize)
	if _, err := io.ReadFull(d.reader, body); err != nil {
		return nil, err
	}

	message := &Message{}
	if err := msgpack.Unmarshal(body, message); err != nil {
		return nil, errors.Wrap(err, "Failed to unmarshal message")
	}

	return message, nil
}

// NewMessageEncoder returns the encoder matching the given encoding
func NewMessageEncoder(parentLogger logger.Logger, writer io.Writer, encoding Encoding) (MessageEncoder, error) {
	switch encoding {
	case EncodingJSON, "":
		return NewMessageJSONEncoder(parentLogger, writer), nil
	case EncodingMsgPack:
		return NewMessageMsgPackEncoder(parentLogger, writer), nil
	default:
		return nil, errors.Errorf("Unknown encoding - %q", encoding)
	}
}

// NewMessageDecoder returns the decoder matching the given encoding
func NewMessageDecoder(parentLogger logger.Logger, reader io.Reader, encoding Encoding) (MessageDecoder, error) {
	switch encoding {
	case EncodingJSON, "":
		return NewMessageJSONDecoder(parentLogger, reader), nil
	case EncodingMsgPack:
		return NewMessageMsgPackDecoder(parentLogger, reader), nil
	default:
		return nil, errors.Errorf("Unknown encoding - %q", encoding)
	}
}
