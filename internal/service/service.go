// Package service is the application facade: it wires the model registry,
// worker pool, admission controller, session manager and emitter together
// and exposes the operations callers use (single-frame detection, stream
// session control, health).
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evmon/argusd/internal/admission"
	"github.com/evmon/argusd/internal/config"
	"github.com/evmon/argusd/internal/emit"
	"github.com/evmon/argusd/internal/model"
	"github.com/evmon/argusd/internal/pool"
	"github.com/evmon/argusd/internal/session"
	"github.com/evmon/argusd/internal/source"
	"github.com/evmon/argusd/internal/types"
)

// Version is the service release lineage.
const Version = "0.1.0"

// maxFetchBytes bounds an image downloaded for a URL-based request.
const maxFetchBytes = 32 << 20

// statsInterval paces the periodic pipeline stats log line.
const statsInterval = 60 * time.Second

// Service owns the detection pipeline.
type Service struct {
	cfg *config.Config

	adm      *admission.Controller
	workers  *pool.Pool
	emitter  *emit.Emitter
	sessions *session.Manager
	wsSink   *emit.WebSocketSink
	mqttSink *emit.MQTTSink

	fetch *http.Client

	// mu guards the lifecycle fields below, read by the health handlers'
	// goroutines.
	mu        sync.RWMutex
	started   time.Time
	running   bool
	statsStop chan struct{}
}

// New builds the pipeline from configuration. registry may be nil, which
// selects the local ONNX registry; tests inject fakes.
func New(cfg *config.Config, registry model.Registry, open session.OpenFunc) (*Service, error) {
	if registry == nil {
		registry = model.NewLocalRegistry(model.ONNXConfig{
			Path:        cfg.Model.Path,
			LibraryPath: cfg.Model.LibraryPath,
			InputWidth:  cfg.Model.InputWidth,
			InputHeight: cfg.Model.InputHeight,
		})
	}

	adm := admission.New(admission.Config{
		MaxSessions: cfg.Pipeline.MaxSessions,
		MaxInFlight: cfg.Pipeline.Workers + cfg.Pipeline.QueueMargin,
		QueueDepth:  cfg.Pipeline.QueueDepth,
	})

	workers := pool.New(pool.Config{
		Workers:       cfg.Pipeline.Workers,
		MinConfidence: cfg.Pipeline.MinConfidence,
		ModelName:     cfg.Model.Name,
		ModelVersion:  cfg.Model.Version,
	}, registry)

	emitter := emit.New(emit.Config{
		MaxAttempts:      cfg.Emit.MaxAttempts,
		RetryBase:        time.Duration(cfg.Emit.RetryBaseMS) * time.Millisecond,
		RetryMax:         time.Duration(cfg.Emit.RetryMaxMS) * time.Millisecond,
		ReorderStaleness: time.Duration(cfg.Emit.ReorderStalenessMS) * time.Millisecond,
	})

	s := &Service{
		cfg:     cfg,
		adm:     adm,
		workers: workers,
		emitter: emitter,
		fetch:   &http.Client{Timeout: 10 * time.Second},
	}

	s.sessions = session.NewManager(session.Config{
		DefaultInterval: cfg.DefaultInterval(),
		ReadTimeout:     time.Duration(cfg.Source.ReadTimeoutS) * time.Second,
		Source: source.Config{
			ReadTimeout: time.Duration(cfg.Source.ReadTimeoutS) * time.Second,
			RetryBase:   time.Duration(cfg.Source.RetryBaseMS) * time.Millisecond,
			RetryMax:    time.Duration(cfg.Source.RetryMaxMS) * time.Millisecond,
			MaxRetries:  cfg.Source.MaxRetries,
		},
	}, adm, workers, emitter, open)

	return s, nil
}

// Start connects the sinks and launches the worker pool and emitter.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Emit.MQTT.Enabled {
		sink, err := emit.NewMQTTSink(emit.MQTTSinkConfig{
			Broker:   s.cfg.Emit.MQTT.Broker,
			ClientID: s.cfg.Emit.MQTT.ClientID,
			Topic:    s.cfg.Emit.MQTT.Topic,
			QoS:      s.cfg.Emit.MQTT.QoS,
			Encoding: s.cfg.Emit.MQTT.Encoding,
			Username: s.cfg.Emit.MQTT.Username,
			Password: s.cfg.Emit.MQTT.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to connect mqtt sink: %w", err)
		}
		s.mqttSink = sink
		s.emitter.Register(sink)
	}
	if s.cfg.Emit.Webhook.Enabled {
		s.emitter.Register(emit.NewWebhookSink(emit.WebhookSinkConfig{
			URL:     s.cfg.Emit.Webhook.URL,
			Timeout: time.Duration(s.cfg.Emit.Webhook.TimeoutMS) * time.Millisecond,
		}))
	}
	if s.cfg.Emit.WebSocket.Enabled {
		s.wsSink = emit.NewWebSocketSink()
		s.emitter.Register(s.wsSink)
	}

	if err := s.emitter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start emitter: %w", err)
	}
	if err := s.workers.Start(ctx); err != nil {
		s.emitter.Stop()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	s.mu.Lock()
	s.started = time.Now()
	s.running = true
	s.statsStop = make(chan struct{})
	stop := s.statsStop
	s.mu.Unlock()
	go s.statsLoop(stop)
	slog.Info("service started",
		"instance_id", s.cfg.InstanceID,
		"version", Version,
		"workers", s.cfg.Pipeline.Workers,
		"max_sessions", s.cfg.Pipeline.MaxSessions,
	)
	return nil
}

// Stop shuts the pipeline down in dependency order: sessions stop feeding,
// workers finish in-flight frames, the emitter drains.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.running = false
	if s.statsStop != nil {
		close(s.statsStop)
		s.statsStop = nil
	}
	s.mu.Unlock()

	if err := s.sessions.Shutdown(ctx); err != nil {
		slog.Error("session shutdown incomplete", "error", err)
	}
	s.workers.Stop()
	s.emitter.Stop()

	slog.Info("service stopped", "uptime", s.Uptime().Round(time.Second))
}

// Uptime reports time since Start.
func (s *Service) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// isRunning reports whether Start has completed and Stop has not begun.
func (s *Service) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// statsLoop logs a pipeline snapshot every statsInterval and warns about
// cameras that shed work since the previous tick.
func (s *Service) statsLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	lastShed := make(map[string]uint64)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ps := s.workers.Stats()
			as := s.adm.Stats()
			es := s.emitter.Stats()
			slog.Info("pipeline stats",
				"sessions", as.Sessions,
				"in_flight", as.InFlight,
				"queued", as.QueuedNow,
				"processed", ps.Processed,
				"failures", ps.Failures,
				"avg_latency_ms", ps.AvgLatencyMS,
				"delivered", es.Delivered,
				"undelivered", es.Undelivered,
			)
			for camera, shed := range s.adm.ShedByCamera() {
				if delta := shed - lastShed[camera]; delta > 0 {
					slog.Warn("camera shedding frames",
						"camera_id", camera,
						"shed", delta,
						"interval", statsInterval,
					)
				}
				lastShed[camera] = shed
			}
		}
	}
}

// Detect runs one synchronous single-frame detection. traceID correlates
// logs and the emitted batch; callers pass "" to have one generated.
func (s *Service) Detect(ctx context.Context, traceID string, req types.DetectionRequest) (types.DetectionResponse, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}

	data := req.ImageData
	if req.ImageURL != "" {
		fetched, err := s.fetchImage(ctx, req.ImageURL)
		if err != nil {
			return types.DetectionResponse{}, err
		}
		data = fetched
	}

	release, err := s.adm.Admit(ctx, req.CameraID)
	if err != nil {
		return types.DetectionResponse{}, err
	}
	defer release()

	frameID := uuid.NewString()
	batch, err := s.workers.Submit(ctx, pool.Request{
		FrameID:  frameID,
		CameraID: req.CameraID,
		TraceID:  traceID,
		Data:     data,
		Labels:   req.Labels,
	})
	if err != nil {
		return types.DetectionResponse{}, err
	}

	// Single-frame results go to the sinks too, around the reorder buffer
	// so they never perturb a live session's sequence for the same camera.
	s.emitter.EmitDirect(batch)

	return types.DetectionResponse{
		Success:          batch.Success,
		Detections:       batch.Detections,
		ProcessingTimeMS: batch.LatencyMS,
		FrameID:          frameID,
	}, nil
}

// fetchImage downloads the image behind a URL-based request.
func (s *Service) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &types.InputError{Reason: fmt.Sprintf("invalid image_url: %v", err)}
	}
	resp, err := s.fetch.Do(req)
	if err != nil {
		return nil, &types.InputError{Reason: fmt.Sprintf("failed to fetch image: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &types.InputError{Reason: fmt.Sprintf("image fetch returned status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, &types.InputError{Reason: fmt.Sprintf("failed to read image body: %v", err)}
	}
	if len(data) == 0 {
		return nil, &types.InputError{Reason: "fetched image is empty"}
	}
	return data, nil
}

// StartStream opens a continuous analysis session for a camera.
func (s *Service) StartStream(ctx context.Context, cameraID, locator string, interval time.Duration) error {
	return s.sessions.StartSession(ctx, cameraID, locator, interval)
}

// StopStream drains and stops a camera's session. Idempotent.
func (s *Service) StopStream(ctx context.Context, cameraID string) error {
	err := s.sessions.StopSession(ctx, cameraID)
	if err == nil {
		// Session is gone; drop its ordering state.
		s.emitter.Forget(cameraID)
	}
	return err
}

// StreamStatus returns the camera's session snapshot.
func (s *Service) StreamStatus(cameraID string) (types.SessionInfo, bool) {
	return s.sessions.Session(cameraID)
}

// Streams lists all known sessions.
func (s *Service) Streams() []types.SessionInfo {
	return s.sessions.Sessions()
}

// SetMinConfidence retunes the detection confidence cutoff at runtime.
func (s *Service) SetMinConfidence(v float64) error {
	return s.workers.SetMinConfidence(v)
}
