package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/evmon/argusd/internal/types"
)

// RTSPSource pulls frames from an RTSP camera through a GStreamer
// pipeline: rtspsrc → depay → decode → videorate (drop-only, pinned to the
// sampling interval) → jpegenc → appsink. Rate limiting happens inside the
// pipeline so undecoded frames never cross into Go.
type RTSPSource struct {
	cfg Config

	pipeline *gst.Pipeline
	appsink  *app.Sink

	framesCh chan types.Frame
	cancel   context.CancelFunc
	ctx      context.Context
	stopOnce sync.Once
	wg       sync.WaitGroup

	seq        uint64
	frames     uint64
	dropped    uint64
	bytesRead  uint64
	reconnects uint32

	mu        sync.RWMutex
	err       error
	connected bool
	started   time.Time
	width     int
	height    int
}

func newRTSPSource(cfg Config) *RTSPSource {
	return &RTSPSource{
		cfg:      cfg,
		framesCh: make(chan types.Frame, 4),
	}
}

// Start implements Source.
func (s *RTSPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("rtsp source already started")
	}
	gst.Init(nil)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	slog.Info("rtsp source starting",
		"camera_id", s.cfg.CameraID,
		"url", s.cfg.Locator,
		"interval", s.cfg.Interval,
	)
	return nil
}

// run is the connect/stream/reconnect loop with exponential backoff up to
// the attempt ceiling.
func (s *RTSPSource) run() {
	defer s.wg.Done()
	defer close(s.framesCh)

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		err := s.connectAndStream()
		s.setConnected(false)
		if err == nil {
			s.setErr(types.ErrEndOfStream)
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		attempt++
		atomic.AddUint32(&s.reconnects, 1)
		if attempt > s.cfg.MaxRetries {
			slog.Error("rtsp source retries exhausted",
				"camera_id", s.cfg.CameraID,
				"attempts", attempt-1,
				"error", err,
			)
			s.setErr(fmt.Errorf("%w: %v", types.ErrStreamUnavailable, err))
			return
		}

		delay := backoff(s.cfg.RetryBase, s.cfg.RetryMax, attempt)
		slog.Warn("rtsp source reconnecting",
			"camera_id", s.cfg.CameraID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

// connectAndStream builds and drives one pipeline instance. Returns nil on
// clean end of stream.
func (s *RTSPSource) connectAndStream() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.pipeline = pipeline

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", s.cfg.Locator)
	rtspsrc.SetProperty("protocols", 4) // TCP
	rtspsrc.SetProperty("latency", 200)

	depay, _ := gst.NewElement("rtph264depay")
	decode, _ := gst.NewElement("avdec_h264")
	convert, _ := gst.NewElement("videoconvert")

	// videorate pinned to the sampling interval does the throttling at the
	// source, before encode.
	videorate, _ := gst.NewElement("videorate")
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, _ := gst.NewElement("capsfilter")
	num, den := intervalToFramerate(s.cfg.Interval)
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,framerate=%d/%d", num, den,
	))
	capsfilter.SetProperty("caps", caps)

	jpegenc, _ := gst.NewElement("jpegenc")
	jpegenc.SetProperty("quality", 85)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	s.appsink = appsink
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	pipeline.AddMany(rtspsrc, depay, decode, convert, videorate, capsfilter, jpegenc, appsink.Element)
	gst.ElementLinkMany(depay, decode, convert, videorate, capsfilter, jpegenc, appsink.Element)

	// rtspsrc pads appear only after stream negotiation.
	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			pipeline.SetState(gst.StateNull)
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			pipeline.SetState(gst.StateNull)
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			pipeline.SetState(gst.StateNull)
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					s.setConnected(true)
					slog.Info("rtsp stream connected",
						"camera_id", s.cfg.CameraID,
					)
				}
			}
		}
	}
}

// onNewSample copies one encoded frame out of the pipeline.
func (s *RTSPSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	atomic.AddUint64(&s.bytesRead, uint64(len(data)))

	width, height := s.dimensions(sample)

	frame := types.Frame{
		ID:        uuid.New().String(),
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      frameData,
		CameraID:  s.cfg.CameraID,
		TraceID:   uuid.New().String(),
	}

	select {
	case s.framesCh <- frame:
		atomic.AddUint64(&s.frames, 1)
	default:
		atomic.AddUint64(&s.dropped, 1)
		slog.Debug("rtsp frame dropped, channel full",
			"camera_id", s.cfg.CameraID,
			"seq", frame.Seq,
		)
	}

	return gst.FlowOK
}

// dimensions reads the negotiated frame size from the sample caps, falling
// back to the last known values.
func (s *RTSPSource) dimensions(sample *gst.Sample) (int, int) {
	caps := sample.GetCaps()
	if caps != nil {
		if st := caps.GetStructureAt(0); st != nil {
			w, werr := st.GetValue("width")
			h, herr := st.GetValue("height")
			if werr == nil && herr == nil {
				if wi, ok := w.(int); ok {
					if hi, ok := h.(int); ok {
						s.mu.Lock()
						s.width, s.height = wi, hi
						s.mu.Unlock()
						return wi, hi
					}
				}
			}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height
}

// Frames implements Source.
func (s *RTSPSource) Frames() <-chan types.Frame { return s.framesCh }

// Err implements Source.
func (s *RTSPSource) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *RTSPSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *RTSPSource) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Stop implements Source. Safe to call more than once.
func (s *RTSPSource) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("rtsp source stop timeout, pipeline may still be tearing down",
			"camera_id", s.cfg.CameraID,
		)
	}
	return nil
}

// Stats implements Source.
func (s *RTSPSource) Stats() Stats {
	s.mu.RLock()
	connected := s.connected
	started := s.started
	s.mu.RUnlock()

	frames := atomic.LoadUint64(&s.frames)
	var fps float64
	if !started.IsZero() {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fps = float64(frames) / elapsed
		}
	}
	return Stats{
		Frames:     frames,
		Dropped:    atomic.LoadUint64(&s.dropped),
		Reconnects: atomic.LoadUint32(&s.reconnects),
		BytesRead:  atomic.LoadUint64(&s.bytesRead),
		FPSReal:    fps,
		Connected:  connected,
	}
}

// intervalToFramerate converts a sampling interval into a GStreamer
// framerate fraction (e.g. 500ms → 2/1, 2s → 1/2).
func intervalToFramerate(interval time.Duration) (num, den int) {
	if interval <= 0 {
		return 1, 1
	}
	if interval >= time.Second {
		den = int(interval / time.Second)
		if den < 1 {
			den = 1
		}
		return 1, den
	}
	num = int(time.Second / interval)
	if num < 1 {
		num = 1
	}
	return num, 1
}
