package types

import "time"

// Supported pixel encodings for raw camera frames.
const (
	EncodingBGR8 = "bgr8"
	EncodingRGB8 = "rgb8"
)

// Image represents a single raw camera frame.
//
// IMMUTABILITY CONTRACT:
//   - Producers MUST NOT modify Data after handing the Image to the event loop
//   - Consumers treat Data as read-only (shared by reference, no copies)
type Image struct {
	// Seq is the monotonic sequence number assigned by the producer
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Encoding is the pixel layout tag (bgr8, rgb8)
	Encoding string
	// Data contains the raw pixel bytes
	Data []byte
	// TraceID is a unique identifier for tracing a frame through the pipeline
	TraceID string
}
