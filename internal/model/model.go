// Package model represents loaded detection models as capability objects.
// A Registry is constructed once at startup and injected into the worker
// pool; each worker owns the Detector instances it loads, so tests can
// substitute a fake registry without touching global state.
package model

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/evmon/argusd/internal/types"
)

// Detector runs object detection on a single decoded image.
//
// A Detector is NOT safe for concurrent use: each pool worker owns exactly
// one instance and serializes calls on it.
type Detector interface {
	// Detect returns raw detections with pixel-coordinate boxes relative to
	// the given image. Labels are model class names; filtering and
	// confidence thresholding happen downstream.
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
	// Close releases model resources.
	Close() error
}

// Registry loads detector instances by model name and version. Load is
// called once per pool worker, and again when a crashed worker is replaced.
type Registry interface {
	Load(ctx context.Context, name, version string) (Detector, error)
}

// LocalRegistry resolves models from the local filesystem and backs them
// with ONNX Runtime sessions.
type LocalRegistry struct {
	cfg ONNXConfig
}

// ONNXConfig describes the local ONNX model.
type ONNXConfig struct {
	// Path is the .onnx weights file. When empty, the registry resolves
	// Dir/<name>-<version>.onnx instead.
	Path string
	// Dir is the model directory used when Path is empty.
	Dir string
	// LibraryPath locates the onnxruntime shared library.
	LibraryPath string
	// InputWidth/InputHeight are the model input dimensions.
	InputWidth  int
	InputHeight int
	// ClassNames maps model class indices to labels. Defaults to the COCO
	// class list.
	ClassNames []string
}

// NewLocalRegistry creates a filesystem-backed model registry.
func NewLocalRegistry(cfg ONNXConfig) *LocalRegistry {
	if cfg.InputWidth <= 0 {
		cfg.InputWidth = 640
	}
	if cfg.InputHeight <= 0 {
		cfg.InputHeight = 640
	}
	if len(cfg.ClassNames) == 0 {
		cfg.ClassNames = cocoClassNames
	}
	return &LocalRegistry{cfg: cfg}
}

// Load implements Registry. Each call builds a fresh ONNX session so that
// callers never share mutable inference state.
func (r *LocalRegistry) Load(ctx context.Context, name, version string) (Detector, error) {
	path := r.cfg.Path
	if path == "" {
		path = filepath.Join(r.cfg.Dir, fmt.Sprintf("%s-%s.onnx", name, version))
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model %s/%s not found at %s: %w", name, version, path, err)
	}
	return newONNXDetector(r.cfg, path)
}

// cocoClassNames is the standard 80-class COCO label set used by the YOLO
// family of models.
var cocoClassNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
	"truck", "boat", "traffic light", "fire hydrant", "stop sign",
	"parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard",
	"sports ball", "kite", "baseball bat", "baseball glove", "skateboard",
	"surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork",
	"knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv",
	"laptop", "mouse", "remote", "keyboard", "cell phone", "microwave",
	"oven", "toaster", "sink", "refrigerator", "book", "clock", "vase",
	"scissors", "teddy bear", "hair drier", "toothbrush",
}
