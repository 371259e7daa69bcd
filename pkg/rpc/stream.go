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
	"io"
	"net"
	"strings"
	"sync"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

// MessageStream wraps one bidirectional connection with a message codec.
// Sends may come from any goroutine and are serialized by a write lock;
// receives must come from a single reader goroutine
type MessageStream struct {
	logger    logger.Logger
	conn      net.Conn
	encoder   MessageEncoder
	decoder   MessageDecoder
	writeLock sync.Mutex
}

// NewMessageStream returns a message stream over conn using the given
// encoding
func NewMessageStream(parentLogger logger.Logger, conn net.Conn, encoding Encoding) (*MessageStream, error) {
	streamLogger := parentLogger.GetChild("stream")

	encoder, err := NewMessageEncoder(streamLogger, conn, encoding)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create message encoder")
	}

	decoder, err := NewMessageDecoder(streamLogger, conn, encoding)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create message decoder")
	}

	return &MessageStream{
		logger:  streamLogger,
		conn:    conn,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Send writes one message onto the connection
func (ms *MessageStream) Send(message *Message) error {
	ms.writeLock.Lock()
	defer ms.writeLock.Unlock()

	if err := ms.encoder.Encode(message); err != nil {
		return errors.Wrapf(err, "Failed to send %q message", message.Kind)
	}

	return nil
}

// Receive reads the next message off the connection, blocking until one
// arrives or the connection ends
func (ms *MessageStream) Receive() (*Message, error) {
	return ms.decoder.Decode()
}

// Close closes the underlying connection
func (ms *MessageStream) Close() error {
	return ms.conn.Close()
}

// IsTerminationError returns whether err indicates that the peer closed the
// stream, which the host treats as expected termination rather than failure
func IsTerminationError(err error) bool {
	if err == nil {
		return false
	}

	rootCause := errors.RootCause(err)
	if rootCause == io.EOF || rootCause == io.ErrUnexpectedEOF || rootCause == net.ErrClosed {
		return true
	}

	// net wraps the closed error on some platforms
	return strings.Contains(rootCause.Error(), "use of closed network connection")
}
