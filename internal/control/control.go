// Package control is the MQTT control plane: operators drive the service
// over the event bus (single-frame detection, stream session control,
// status, shutdown) without a separate API surface.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/evmon/argusd/internal/service"
	"github.com/evmon/argusd/internal/types"
)

// Config connects the handler to the bus.
type Config struct {
	Broker   string
	ClientID string
	// Topic is the command subscription; responses go to Topic + "/ack".
	Topic    string
	QoS      byte
	Username string
	Password string
}

// Command is one control-plane request.
type Command struct {
	Command string         `json:"command"`
	TraceID string         `json:"trace_id,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response acknowledges a command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	TraceID    string         `json:"trace_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Handler subscribes to the control topic and dispatches commands to the
// service. Commands run off the MQTT callback goroutine so a slow
// detection never blocks the bus client.
type Handler struct {
	cfg    Config
	client mqtt.Client
	svc    *service.Service
	// shutdown triggers process shutdown; wired by main.
	shutdown func()

	commands chan Command
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewHandler builds the control plane handler.
func NewHandler(cfg Config, svc *service.Service, shutdown func()) *Handler {
	return &Handler{
		cfg:      cfg,
		svc:      svc,
		shutdown: shutdown,
		commands: make(chan Command, 10),
	}
}

// Start connects to the broker and subscribes to the command topic.
func (h *Handler) Start(ctx context.Context) error {
	h.baseCtx, h.cancel = context.WithCancel(ctx)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", h.cfg.Broker))
	opts.SetClientID(h.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	if h.cfg.Username != "" {
		opts.SetUsername(h.cfg.Username)
		opts.SetPassword(h.cfg.Password)
	}
	opts.OnConnect = func(c mqtt.Client) {
		// Re-subscribe on every (re)connect.
		token := c.Subscribe(h.cfg.Topic, h.cfg.QoS, h.messageHandler)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			slog.Error("control plane subscription failed",
				"topic", h.cfg.Topic,
				"error", token.Error(),
			)
			return
		}
		slog.Info("control plane subscribed", "topic", h.cfg.Topic)
	}

	h.client = mqtt.NewClient(opts)
	token := h.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane connection failed: %w", err)
	}

	go h.processCommands(h.baseCtx)
	return nil
}

// Stop unsubscribes and disconnects.
func (h *Handler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.client != nil && h.client.IsConnected() {
		h.client.Unsubscribe(h.cfg.Topic).Wait()
		h.client.Disconnect(250)
	}
	slog.Info("control plane stopped")
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received",
		"command", cmd.Command,
		"trace_id", cmd.TraceID,
	)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			Status:     "error",
			TraceID:    cmd.TraceID,
			Error:      "command queue full",
		})
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handleCommand(ctx, cmd)
		}
	}
}

func (h *Handler) handleCommand(ctx context.Context, cmd Command) {
	resp := Response{CommandAck: cmd.Command, TraceID: cmd.TraceID}

	switch cmd.Command {
	case "detect":
		h.handleDetect(ctx, cmd, &resp)

	case "start_stream":
		cameraID, _ := cmd.Params["camera_id"].(string)
		locator, _ := cmd.Params["stream_url"].(string)
		intervalMS, _ := cmd.Params["interval_ms"].(float64)

		err := h.svc.StartStream(ctx, cameraID, locator, time.Duration(intervalMS)*time.Millisecond)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{
			"camera_id": cameraID,
			"message":   "stream session started",
		}

	case "stop_stream":
		cameraID, ok := cmd.Params["camera_id"].(string)
		if !ok || cameraID == "" {
			resp.Status = "error"
			resp.Error = "missing or invalid 'camera_id' parameter"
			break
		}
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := h.svc.StopStream(stopCtx, cameraID)
		cancel()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{
			"camera_id": cameraID,
			"message":   "stream session stopped",
		}

	case "get_stream_status":
		if cameraID, ok := cmd.Params["camera_id"].(string); ok && cameraID != "" {
			info, found := h.svc.StreamStatus(cameraID)
			if !found {
				resp.Status = "error"
				resp.Error = fmt.Sprintf("unknown camera: %s", cameraID)
				break
			}
			resp.Status = "success"
			resp.Data = map[string]any{"session": info}
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{"sessions": h.svc.Streams()}

	case "update_config":
		minConf, ok := cmd.Params["min_confidence"].(float64)
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'min_confidence' parameter (expected float)"
			break
		}
		if err := h.svc.SetMinConfidence(minConf); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{
			"min_confidence": minConf,
			"message":        "confidence cutoff updated",
		}

	case "get_status":
		resp.Status = "success"
		health := h.svc.Health()
		data, _ := json.Marshal(health)
		var m map[string]any
		json.Unmarshal(data, &m)
		resp.Data = m

	case "shutdown":
		slog.Warn("shutdown command received via control plane")
		resp.Status = "success"
		resp.Data = map[string]any{"message": "graceful shutdown in progress"}
		h.sendResponse(resp)
		go func() {
			time.Sleep(500 * time.Millisecond)
			h.shutdown()
		}()
		return

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func (h *Handler) handleDetect(ctx context.Context, cmd Command, resp *Response) {
	imageURL, _ := cmd.Params["image_url"].(string)
	imageBase64, _ := cmd.Params["image_base64"].(string)
	cameraID, _ := cmd.Params["camera_id"].(string)

	var labels []string
	if raw, ok := cmd.Params["labels"].([]any); ok {
		for _, l := range raw {
			if s, ok := l.(string); ok {
				labels = append(labels, s)
			}
		}
	}

	req, err := types.NewDetectionRequest(imageURL, imageBase64, cameraID, labels)
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return
	}

	detectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := h.svc.Detect(detectCtx, cmd.TraceID, req)
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return
	}

	resp.Status = "success"
	resp.Data = map[string]any{
		"frame_id":           result.FrameID,
		"detections":         result.Detections,
		"processing_time_ms": result.ProcessingTimeMS,
	}
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.Topic + "/ack"
	token := h.client.Publish(topic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
