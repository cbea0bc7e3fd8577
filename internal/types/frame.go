package types

import "time"

// Frame is a single sampled, decoded image pulled from a video stream.
// A frame is owned by exactly one pipeline stage at a time; it is handed
// off by value and its Data must not be modified after handoff.
type Frame struct {
	// ID uniquely identifies the frame across the whole service.
	ID string
	// Seq is the monotonic per-camera sequence number.
	Seq uint64
	// Timestamp is when the frame was captured/decoded.
	Timestamp time.Time
	// Width in pixels.
	Width int
	// Height in pixels.
	Height int
	// Data contains the decoded image bytes (JPEG unless stated otherwise).
	Data []byte
	// CameraID identifies the owning stream session. Empty for
	// single-frame detection requests.
	CameraID string
	// TraceID is the correlation identifier threaded through the pipeline.
	TraceID string
}

// BoundingBox is an axis-aligned box in pixel coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ClampTo clips the box to the given frame dimensions so that
// 0 <= x,y and x+width <= frameWidth, y+height <= frameHeight.
func (b *BoundingBox) ClampTo(frameWidth, frameHeight int) {
	fw, fh := float64(frameWidth), float64(frameHeight)
	if b.X < 0 {
		b.Width += b.X
		b.X = 0
	}
	if b.Y < 0 {
		b.Height += b.Y
		b.Y = 0
	}
	if b.X > fw {
		b.X = fw
	}
	if b.Y > fh {
		b.Y = fh
	}
	if b.X+b.Width > fw {
		b.Width = fw - b.X
	}
	if b.Y+b.Height > fh {
		b.Height = fh - b.Y
	}
	if b.Width < 0 {
		b.Width = 0
	}
	if b.Height < 0 {
		b.Height = 0
	}
}

// InBounds reports whether the box lies fully within the frame.
func (b BoundingBox) InBounds(frameWidth, frameHeight int) bool {
	return b.X >= 0 && b.Y >= 0 && b.Width >= 0 && b.Height >= 0 &&
		b.X+b.Width <= float64(frameWidth) &&
		b.Y+b.Height <= float64(frameHeight)
}

// Area returns the pixel area of the box.
func (b BoundingBox) Area() float64 {
	return b.Width * b.Height
}
