package serializers

import (
	"github.com/square-key-labs/strawgo-avatar/src/frames"
)

// SerializerType defines the serialization format type
type SerializerType string

const (
	SerializerTypeBinary SerializerType = "binary"
	SerializerTypeText   SerializerType = "text"
)

// FrameSerializer converts frames to and from a client wire format
type FrameSerializer interface {
	// Type returns the serialization type of control messages
	Type() SerializerType

	// Serialize converts a frame to its serialized representation.
	// Returns the serialized data (string or []byte), or nil for frames the
	// format does not carry.
	Serialize(frame frames.Frame) (interface{}, error)

	// Deserialize converts serialized data back to a frame.
	// Accepts either string or []byte. A nil frame means the message was ignored.
	Deserialize(data interface{}) (frames.Frame, error)
}
