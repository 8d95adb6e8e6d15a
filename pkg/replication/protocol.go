// Package replication implements the backfill service: a lagging replica
// asks the primary for every key deleted in a time window, per shard, and
// replays the answers against its own copy. The wire protocol is JSON
// messages over mangos REQ/REP sockets.
package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

// MessageType represents the type of backfill message
type MessageType uint8

const (
	MsgBackfillRequest MessageType = iota
	MsgBackfillResponse
	MsgError
)

// Message is the base wire message. Data holds the JSON encoding of the
// typed payload, snappy-compressed when Compressed is set.
type Message struct {
	Type       MessageType `json:"type"`
	Timestamp  int64       `json:"timestamp"`
	Compressed bool        `json:"compressed,omitempty"`
	Data       []byte      `json:"data,omitempty"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	dataBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().Unix(),
		Data:      dataBytes,
	}, nil
}

// NewCompressedMessage creates a message whose payload is snappy-compressed.
// Key batches compress well; control messages are not worth the overhead.
func NewCompressedMessage(msgType MessageType, payload any) (*Message, error) {
	m, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	m.Compressed = true
	m.Data = snappy.Encode(nil, m.Data)
	return m, nil
}

// Decode decodes the message payload into the provided value, transparently
// decompressing when needed
func (m *Message) Decode(v any) error {
	data := m.Data
	if m.Compressed {
		decoded, err := snappy.Decode(nil, m.Data)
		if err != nil {
			return fmt.Errorf("decompressing payload: %w", err)
		}
		data = decoded
	}
	return json.Unmarshal(data, v)
}

// Encode serializes the full message for the wire
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a wire frame back into a Message
func DecodeMessage(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("parsing message frame: %w", err)
	}
	return &m, nil
}
