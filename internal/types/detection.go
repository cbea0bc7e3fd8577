package types

import (
	"encoding/base64"
	"fmt"
	"sort"
	"time"
)

// DefaultLabels is the label set applied when a request names none.
var DefaultLabels = []string{"person", "vehicle", "weapon"}

// Detection is a single detected object. Immutable value.
type Detection struct {
	// Label is the object class (e.g. "person").
	Label string `json:"type"`
	// Confidence is the detection confidence in [0.0, 1.0].
	Confidence float64 `json:"confidence"`
	// BBox is the bounding box in pixel coordinates, clipped to the frame.
	BBox BoundingBox `json:"bbox"`
	// Metadata carries free-form per-detection attributes.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the detection invariants against the frame dimensions.
func (d Detection) Validate(frameWidth, frameHeight int) error {
	if d.Label == "" {
		return fmt.Errorf("detection label is empty")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %.4f out of [0,1]", d.Confidence)
	}
	if !d.BBox.InBounds(frameWidth, frameHeight) {
		return fmt.Errorf("bbox %+v outside frame %dx%d", d.BBox, frameWidth, frameHeight)
	}
	return nil
}

// DetectionBatch is the ordered set of detections produced for one frame.
type DetectionBatch struct {
	// FrameID identifies the analyzed frame.
	FrameID string `json:"frame_id"`
	// CameraID is empty for single-frame requests.
	CameraID string `json:"camera_id,omitempty"`
	// Seq is the per-camera frame sequence number (0 for single-frame).
	Seq uint64 `json:"seq"`
	// TraceID is the correlation identifier of the originating request.
	TraceID string `json:"trace_id,omitempty"`
	// Detections in model output order.
	Detections []Detection `json:"detections"`
	// Latency is the end-to-end processing time for the frame.
	Latency time.Duration `json:"-"`
	// LatencyMS mirrors Latency for wire encoding.
	LatencyMS float64 `json:"processing_time_ms"`
	// Success is false when inference failed for this frame.
	Success bool `json:"success"`
	// Timestamp is when the batch was produced.
	Timestamp time.Time `json:"timestamp"`
}

// DetectionRequest is a single-frame detection request. Immutable once built
// by NewDetectionRequest.
type DetectionRequest struct {
	// ImageURL references the image to analyze. Mutually exclusive with
	// ImageData.
	ImageURL string
	// ImageData holds inline image bytes (already base64-decoded).
	ImageData []byte
	// CameraID optionally associates the request with a camera for context.
	CameraID string
	// Labels is the non-empty, de-duplicated, sorted set of requested
	// object classes.
	Labels []string
}

// NewDetectionRequest validates raw request fields and builds an immutable
// DetectionRequest. imageBase64 takes the wire-format payload; exactly one
// of imageURL and imageBase64 must be set.
func NewDetectionRequest(imageURL, imageBase64, cameraID string, labels []string) (DetectionRequest, error) {
	if imageURL == "" && imageBase64 == "" {
		return DetectionRequest{}, &ValidationError{Field: "image", Reason: "either image_url or image_base64 is required"}
	}
	if imageURL != "" && imageBase64 != "" {
		return DetectionRequest{}, &ValidationError{Field: "image", Reason: "image_url and image_base64 are mutually exclusive"}
	}

	var data []byte
	if imageBase64 != "" {
		var err error
		data, err = base64.StdEncoding.DecodeString(imageBase64)
		if err != nil {
			return DetectionRequest{}, &ValidationError{Field: "image_base64", Reason: "invalid base64 payload"}
		}
		if len(data) == 0 {
			return DetectionRequest{}, &ValidationError{Field: "image_base64", Reason: "empty image payload"}
		}
	}

	return DetectionRequest{
		ImageURL:  imageURL,
		ImageData: data,
		CameraID:  cameraID,
		Labels:    normalizeLabels(labels),
	}, nil
}

// normalizeLabels de-duplicates and sorts the requested labels, falling back
// to DefaultLabels when none are given.
func normalizeLabels(labels []string) []string {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	if len(out) == 0 {
		out = append(out, DefaultLabels...)
	}
	sort.Strings(out)
	return out
}

// WantsLabel reports whether the request asked for the given object class.
func (r DetectionRequest) WantsLabel(label string) bool {
	i := sort.SearchStrings(r.Labels, label)
	return i < len(r.Labels) && r.Labels[i] == label
}

// DetectionResponse is the synchronous answer to a single-frame request.
type DetectionResponse struct {
	Success          bool        `json:"success"`
	Detections       []Detection `json:"detections"`
	ProcessingTimeMS float64     `json:"processing_time_ms"`
	FrameID          string      `json:"frame_id"`
}
