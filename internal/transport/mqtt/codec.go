package mqtt

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-nav/internal/types"
)

// Wire payloads use MsgPack: raw pixel bytes travel without base64 overhead.

// ImageMessage is the payload on the image topic.
type ImageMessage struct {
	Seq       uint64            `msgpack:"seq"`
	Timestamp string            `msgpack:"timestamp"` // RFC3339Nano
	Width     int               `msgpack:"width"`
	Height    int               `msgpack:"height"`
	Encoding  string            `msgpack:"encoding"`
	Data      []byte            `msgpack:"data"`
	Metadata  map[string]string `msgpack:"metadata,omitempty"`
}

// CommandMessage is the payload on the command topic. Values must carry
// exactly one instruction; the control loop rejects anything else.
type CommandMessage struct {
	Values []string `msgpack:"values"`
}

// VelocityMessage is the payload on the cmd_vel topic: six float64
// components plus the metadata of the output tick that produced it.
type VelocityMessage struct {
	Data     []float64         `msgpack:"data"`
	Metadata map[string]string `msgpack:"metadata,omitempty"`
}

// DecodeImage unpacks an image payload. The pixel format is not checked
// here; the control loop validates it.
func DecodeImage(payload []byte) (types.Image, error) {
	var msg ImageMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return types.Image{}, fmt.Errorf("failed to unmarshal image message: %w", err)
	}

	img := types.Image{
		Seq:      msg.Seq,
		Width:    msg.Width,
		Height:   msg.Height,
		Encoding: msg.Encoding,
		Data:     msg.Data,
		TraceID:  msg.Metadata["trace_id"],
	}

	img.Timestamp = time.Now()
	if msg.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			img.Timestamp = ts
		}
	}
	if img.TraceID == "" {
		img.TraceID = uuid.NewString()
	}
	return img, nil
}

// EncodeImage packs a frame for the image topic.
func EncodeImage(img types.Image) ([]byte, error) {
	msg := ImageMessage{
		Seq:       img.Seq,
		Timestamp: img.Timestamp.UTC().Format(time.RFC3339Nano),
		Width:     img.Width,
		Height:    img.Height,
		Encoding:  img.Encoding,
		Data:      img.Data,
	}
	if img.TraceID != "" {
		msg.Metadata = map[string]string{"trace_id": img.TraceID}
	}
	return msgpack.Marshal(&msg)
}

// DecodeCommand unpacks a command payload into its raw values.
func DecodeCommand(payload []byte) ([]string, error) {
	var msg CommandMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command message: %w", err)
	}
	return msg.Values, nil
}

// EncodeCommand packs instruction values for the command topic.
func EncodeCommand(values ...string) ([]byte, error) {
	return msgpack.Marshal(&CommandMessage{Values: values})
}

// EncodeVelocity packs a velocity for the cmd_vel topic.
func EncodeVelocity(v types.Velocity, metadata map[string]string) ([]byte, error) {
	return msgpack.Marshal(&VelocityMessage{Data: v.Slice(), Metadata: metadata})
}

// DecodeVelocity unpacks a cmd_vel payload.
func DecodeVelocity(payload []byte) (types.Velocity, map[string]string, error) {
	var msg VelocityMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return types.Velocity{}, nil, fmt.Errorf("failed to unmarshal velocity message: %w", err)
	}
	if len(msg.Data) != len(types.Velocity{}) {
		return types.Velocity{}, nil, fmt.Errorf("velocity message has %d components, want %d", len(msg.Data), len(types.Velocity{}))
	}

	var v types.Velocity
	copy(v[:], msg.Data)
	return v, msg.Metadata, nil
}
