package model

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/evmon/argusd/internal/types"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime initializes the ONNX Runtime environment exactly once per
// process. The environment is deliberately never destroyed: detectors are
// created and replaced for the whole service lifetime.
func initRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// onnxDetector is a Detector backed by one ONNX Runtime session. The input
// and output tensors are owned by the session, which is why an instance
// must never be shared across goroutines.
type onnxDetector struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	inputWidth  int
	inputHeight int
	classNames  []string
	// anchors is the number of candidate boxes in the model output
	// (8400 for 640x640 YOLO11).
	anchors int
}

func newONNXDetector(cfg ONNXConfig, path string) (*onnxDetector, error) {
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	// YOLO layout: input [1,3,H,W], output [1, 4+classes, anchors] where
	// anchors scales with the input resolution (8400 at 640).
	anchors := (cfg.InputWidth / 8) * (cfg.InputHeight / 8) * 21 / 16
	inputShape := ort.NewShape(1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth))
	outputShape := ort.NewShape(1, int64(4+len(cfg.ClassNames)), int64(anchors))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &onnxDetector{
		session:     session,
		input:       inputTensor,
		output:      outputTensor,
		inputWidth:  cfg.InputWidth,
		inputHeight: cfg.InputHeight,
		classNames:  cfg.ClassNames,
		anchors:     anchors,
	}, nil
}

// Detect implements Detector.
func (d *onnxDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resized := imaging.Resize(img, d.inputWidth, d.inputHeight, imaging.Linear)
	d.prepareInput(resized)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	return d.decodeOutput(img.Bounds().Dx(), img.Bounds().Dy()), nil
}

// prepareInput fills the input tensor with CHW-planar normalized RGB.
func (d *onnxDetector) prepareInput(pic *image.NRGBA) {
	data := d.input.GetData()
	channelSize := d.inputWidth * d.inputHeight

	for y := 0; y < d.inputHeight; y++ {
		rowOff := y * pic.Stride
		dstOff := y * d.inputWidth
		for x := 0; x < d.inputWidth; x++ {
			px := rowOff + x*4
			i := dstOff + x
			data[i] = float32(pic.Pix[px]) / 255.0
			data[channelSize+i] = float32(pic.Pix[px+1]) / 255.0
			data[channelSize*2+i] = float32(pic.Pix[px+2]) / 255.0
		}
	}
}

// decodeOutput converts the transposed YOLO output [4+classes, anchors]
// into detections scaled back to the original image size. Boxes are
// center-form (cx, cy, w, h) in model-input pixels.
func (d *onnxDetector) decodeOutput(origWidth, origHeight int) []types.Detection {
	preds := d.output.GetData()
	n := d.anchors
	scaleX := float64(origWidth) / float64(d.inputWidth)
	scaleY := float64(origHeight) / float64(d.inputHeight)

	detections := make([]types.Detection, 0, 32)
	for i := 0; i < n; i++ {
		// Best class for this anchor.
		best := -1
		bestScore := float32(0)
		for c := range d.classNames {
			score := preds[(4+c)*n+i]
			if score > bestScore {
				bestScore = score
				best = c
			}
		}
		if best < 0 || bestScore < 0.01 {
			continue
		}

		cx := float64(preds[i]) * scaleX
		cy := float64(preds[n+i]) * scaleY
		w := float64(preds[2*n+i]) * scaleX
		h := float64(preds[3*n+i]) * scaleY

		box := types.BoundingBox{
			X:      cx - w/2,
			Y:      cy - h/2,
			Width:  w,
			Height: h,
		}
		box.ClampTo(origWidth, origHeight)

		detections = append(detections, types.Detection{
			Label:      d.classNames[best],
			Confidence: float64(bestScore),
			BBox:       box,
			Metadata: map[string]any{
				"class_index": best,
			},
		})
	}

	return nonMaxSuppress(detections, 0.45)
}

// Close implements Detector.
func (d *onnxDetector) Close() error {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.input != nil {
		d.input.Destroy()
	}
	if d.output != nil {
		d.output.Destroy()
	}
	return nil
}

// nonMaxSuppress drops boxes that overlap a higher-confidence box of the
// same label by more than iouThreshold.
func nonMaxSuppress(dets []types.Detection, iouThreshold float64) []types.Detection {
	// Selection sort by confidence; detection counts are small after the
	// score cut.
	for i := 0; i < len(dets); i++ {
		maxIdx := i
		for j := i + 1; j < len(dets); j++ {
			if dets[j].Confidence > dets[maxIdx].Confidence {
				maxIdx = j
			}
		}
		dets[i], dets[maxIdx] = dets[maxIdx], dets[i]
	}

	kept := make([]types.Detection, 0, len(dets))
	for _, cand := range dets {
		keep := true
		for _, sel := range kept {
			if sel.Label == cand.Label && iou(sel.BBox, cand.BBox) > iouThreshold {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, cand)
		}
	}
	return kept
}

// iou computes intersection-over-union of two boxes.
func iou(a, b types.BoundingBox) float64 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.Width, b.X+b.Width)
	y2 := min(a.Y+a.Height, b.Y+b.Height)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
