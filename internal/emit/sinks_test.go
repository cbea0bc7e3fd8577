package emit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evmon/argusd/internal/types"
)

// TestWebhookSinkDeliver verifies the POST payload and headers.
func TestWebhookSinkDeliver(t *testing.T) {
	var (
		mu     sync.Mutex
		body   []byte
		header http.Header
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		header = r.Header.Clone()
		mu.Unlock()
	}))
	defer ts.Close()

	sink := NewWebhookSink(WebhookSinkConfig{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer tok"},
	})
	defer sink.Close()

	in := batch("cam-1", 7)
	in.Detections = []types.Detection{
		{Label: "person", Confidence: 0.9, BBox: types.BoundingBox{Width: 4, Height: 4}},
	}
	if err := sink.Deliver(context.Background(), in); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if header.Get("Content-Type") != "application/json" {
		t.Errorf("Wrong content type %q", header.Get("Content-Type"))
	}
	if header.Get("Authorization") != "Bearer tok" {
		t.Error("Custom header not sent")
	}

	var got types.DetectionBatch
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Body not a batch: %v", err)
	}
	if got.CameraID != "cam-1" || got.Seq != 7 || len(got.Detections) != 1 {
		t.Errorf("Batch fields lost in transit: %+v", got)
	}
}

// TestWebhookSinkNon2xx verifies error statuses count as failed attempts.
func TestWebhookSinkNon2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	sink := NewWebhookSink(WebhookSinkConfig{URL: ts.URL})
	defer sink.Close()

	if err := sink.Deliver(context.Background(), batch("cam-1", 1)); err == nil {
		t.Error("Expected error for 502 response")
	}
}

// TestMQTTSinkEncoding verifies both wire encodings round-trip the batch.
func TestMQTTSinkEncoding(t *testing.T) {
	in := batch("cam-1", 3)
	in.Detections = []types.Detection{
		{Label: "vehicle", Confidence: 0.7, BBox: types.BoundingBox{X: 1, Y: 2, Width: 3, Height: 4}},
	}

	jsonSink := &MQTTSink{cfg: MQTTSinkConfig{Encoding: "json"}}
	payload, err := jsonSink.encode(in)
	if err != nil {
		t.Fatalf("JSON encode failed: %v", err)
	}
	var fromJSON types.DetectionBatch
	if err := json.Unmarshal(payload, &fromJSON); err != nil {
		t.Fatalf("JSON decode failed: %v", err)
	}
	if fromJSON.Seq != 3 || len(fromJSON.Detections) != 1 {
		t.Errorf("JSON round-trip lost fields: %+v", fromJSON)
	}

	mpSink := &MQTTSink{cfg: MQTTSinkConfig{Encoding: "msgpack"}}
	payload, err = mpSink.encode(in)
	if err != nil {
		t.Fatalf("Msgpack encode failed: %v", err)
	}
	var fromMP types.DetectionBatch
	if err := msgpack.Unmarshal(payload, &fromMP); err != nil {
		t.Fatalf("Msgpack decode failed: %v", err)
	}
	if fromMP.CameraID != "cam-1" || fromMP.Detections[0].Label != "vehicle" {
		t.Errorf("Msgpack round-trip lost fields: %+v", fromMP)
	}
}

// TestWebSocketSinkBroadcast verifies connected clients receive batches.
func TestWebSocketSinkBroadcast(t *testing.T) {
	sink := NewWebSocketSink()
	defer sink.Close()

	ts := httptest.NewServer(http.HandlerFunc(sink.Handler))
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	waitFor(t, func() bool { return sink.Clients() == 1 })

	in := batch("cam-1", 5)
	if err := sink.Deliver(context.Background(), in); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Client read failed: %v", err)
	}
	var got types.DetectionBatch
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("Broadcast not a batch: %v", err)
	}
	if got.CameraID != "cam-1" || got.Seq != 5 {
		t.Errorf("Wrong broadcast: %+v", got)
	}
}
