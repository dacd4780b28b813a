// Package protocol implements the binary framing spoken over the websocket:
// a varuint message type followed by a type specific body.
package protocol

import (
	"errors"
	"fmt"

	"github.com/manpreetbhatti/lattice/collab/internal/encoding"
)

// Represents the type of a websocket message
type MessageType uint64

const (
	// Document sync protocol messages
	MessageSync MessageType = 0

	// Presence protocol messages (cursors, selections)
	MessageAwareness MessageType = 1

	// Reserved for credential refresh; accepted and ignored
	MessageAuth MessageType = 2

	// Asks the server for the full presence snapshot
	MessageQueryAwareness MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAuth:
		return "auth"
	case MessageQueryAwareness:
		return "query-awareness"
	}
	return fmt.Sprintf("unknown(%d)", uint64(t))
}

// SyncStep is the step of the sync protocol carried by a sync message
type SyncStep uint64

const (
	// Sender's state vector; asks for missing history
	SyncStep1 SyncStep = 0

	// Missing history answering a step1
	SyncStep2 SyncStep = 1

	// Incremental update
	SyncUpdate SyncStep = 2
)

var ErrUnknownSyncStep = errors.New("protocol: unknown sync step")

// Document is the part of the shared document the sync protocol needs
type Document interface {
	EncodeStateVector() []byte
	EncodeStateAsUpdateSince(sv []byte) ([]byte, error)
	ApplyUpdate(update []byte, origin any) error
}

// ReadMessageType reads the leading type tag
func ReadMessageType(dec *encoding.Decoder) (MessageType, error) {
	t, err := dec.ReadVarUint()
	if err != nil {
		return 0, fmt.Errorf("read message type: %w", err)
	}
	return MessageType(t), nil
}

func WriteSyncStep1(enc *encoding.Encoder, doc Document) {
	enc.WriteVarUint(uint64(SyncStep1))
	enc.WriteVarBytes(doc.EncodeStateVector())
}

// WriteSyncStep2 writes everything doc has that a peer at sv is missing
func WriteSyncStep2(enc *encoding.Encoder, doc Document, sv []byte) error {
	update, err := doc.EncodeStateAsUpdateSince(sv)
	if err != nil {
		return err
	}
	enc.WriteVarUint(uint64(SyncStep2))
	enc.WriteVarBytes(update)
	return nil
}

func WriteUpdate(enc *encoding.Encoder, update []byte) {
	enc.WriteVarUint(uint64(SyncUpdate))
	enc.WriteVarBytes(update)
}

// ReadSyncMessage handles one sync body. A step1 is answered by writing a
// step2 into enc; step2 and update bodies are applied to doc with origin.
func ReadSyncMessage(dec *encoding.Decoder, enc *encoding.Encoder, doc Document, origin any) (SyncStep, error) {
	raw, err := dec.ReadVarUint()
	if err != nil {
		return 0, fmt.Errorf("read sync step: %w", err)
	}
	step := SyncStep(raw)
	body, err := dec.ReadVarBytes()
	if err != nil {
		return step, fmt.Errorf("read sync body: %w", err)
	}

	switch step {
	case SyncStep1:
		return step, WriteSyncStep2(enc, doc, body)
	case SyncStep2, SyncUpdate:
		return step, doc.ApplyUpdate(body, origin)
	}
	return step, fmt.Errorf("%w: %d", ErrUnknownSyncStep, raw)
}

// EncodeSyncStep1 builds a complete sync step1 message for doc
func EncodeSyncStep1(doc Document) []byte {
	enc := encoding.NewEncoder()
	enc.WriteVarUint(uint64(MessageSync))
	WriteSyncStep1(enc, doc)
	return enc.Bytes()
}

// EncodeUpdateMessage wraps a document update as a sync update message
func EncodeUpdateMessage(update []byte) []byte {
	enc := encoding.NewEncoder()
	enc.WriteVarUint(uint64(MessageSync))
	WriteUpdate(enc, update)
	return enc.Bytes()
}

// EncodeAwarenessMessage wraps an encoded presence update
func EncodeAwarenessMessage(update []byte) []byte {
	enc := encoding.NewEncoder()
	enc.WriteVarUint(uint64(MessageAwareness))
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

func EncodeQueryAwarenessMessage() []byte {
	enc := encoding.NewEncoder()
	enc.WriteVarUint(uint64(MessageQueryAwareness))
	return enc.Bytes()
}
