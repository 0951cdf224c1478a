package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type stubCameraAuth struct {
	err error
}

func (s stubCameraAuth) VerifyCameraToken(ctx context.Context, cameraID, token string) error {
	return s.err
}

type stubViewerAuth struct {
	account *Account
	err     error
}

func (s stubViewerAuth) VerifyViewerToken(ctx context.Context, token string) (*Account, error) {
	return s.account, s.err
}

type stubDevices struct {
	active map[string]bool
	list   []Device
}

func (s stubDevices) DeviceActive(ctx context.Context, cameraID string) (bool, error) {
	return s.active[cameraID], nil
}

func (s stubDevices) ListDevices(ctx context.Context) ([]Device, error) {
	return s.list, nil
}

type testEnv struct {
	relay *Relay
	fp    *fakePipelines
	srv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fp := &fakePipelines{}
	svc := New(zap.NewNop(), Options{
		Pipelines:  fp,
		CameraAuth: stubCameraAuth{},
		ViewerAuth: stubViewerAuth{account: &Account{ID: "u1", Name: "Test Viewer", Role: "viewer"}},
		Devices: stubDevices{
			active: map[string]bool{"cam-1": true, "default": true},
			list:   []Device{{CameraID: "cam-1", State: "ACTIVE"}},
		},
	})

	router := gin.New()
	router.GET("/stream", svc.ServeProducer)
	router.GET("/mobile", svc.ServeViewer)
	router.GET("/webrtc", svc.ServeNegotiation)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		svc.Close()
		srv.Close()
	})
	return &testEnv{relay: svc, fp: fp, srv: srv}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForProducer blocks until the camera registers or the deadline passes.
// Admission runs in the server handler after the dial returns.
func (e *testEnv) waitForProducer(t *testing.T, cameraID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.relay.Registry().ProducerOnline(cameraID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("producer %s never registered", cameraID)
}

// expectPolicyClose reads until the socket closes and asserts the 1008 code.
func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected close, got a message")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close err=%v, want policy violation (1008)", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

func TestProducerAdmissionRequiresCredentials(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "/stream?cameraId=cam-1")
	expectPolicyClose(t, conn)

	producers, _ := env.relay.Registry().Counts()
	if producers != 0 {
		t.Fatal("session created for a denied admission")
	}
	starts, _ := env.fp.counts()
	if starts != 0 {
		t.Fatal("pipeline started for a denied admission")
	}
}

func TestProducerAdmissionRejectsUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/stream?cameraId=ghost&token=tok")
	expectPolicyClose(t, conn)
}

func TestViewerAdmissionRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/mobile?cameraId=cam-1")
	expectPolicyClose(t, conn)
	_, viewers := env.relay.Registry().Counts()
	if viewers != 0 {
		t.Fatal("session created for a denied admission")
	}
}

func TestViewerGreetingAndDefaultCamera(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/mobile?token=tok")

	var greeting ConnectionEstablished
	readEnvelope(t, conn, &greeting)
	if greeting.Type != MsgConnectionEstablished {
		t.Fatalf("first message type=%q, want connection_established", greeting.Type)
	}
	if greeting.CameraID != DefaultCameraID {
		t.Fatalf("cameraId=%q, want %q", greeting.CameraID, DefaultCameraID)
	}
	if greeting.CameraStatus != StatusOffline {
		t.Fatalf("cameraStatus=%q, want offline", greeting.CameraStatus)
	}
	if greeting.ClientID == "" {
		t.Fatal("greeting missing client id")
	}
}

func TestViewerPingPong(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/mobile?token=tok&cameraId=cam-1")

	var greeting ConnectionEstablished
	readEnvelope(t, conn, &greeting)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong pongMessage
	readEnvelope(t, conn, &pong)
	if pong.Type != MsgPong {
		t.Fatalf("type=%q, want pong", pong.Type)
	}
}

func TestChangeCameraRejectedKeepsSubscription(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/mobile?token=tok&cameraId=cam-1")

	var greeting ConnectionEstablished
	readEnvelope(t, conn, &greeting)

	if err := conn.WriteJSON(map[string]string{"type": "change_camera", "cameraId": "ghost"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errMsg ErrorMessage
	readEnvelope(t, conn, &errMsg)
	if errMsg.Type != MsgError {
		t.Fatalf("type=%q, want error", errMsg.Type)
	}

	viewers := env.relay.Registry().Viewers()
	if len(viewers) != 1 || viewers[0].CameraID != "cam-1" {
		t.Fatalf("subscription changed after rejected switch: %+v", viewers)
	}
}

func TestProducerFrameReachesSubscribedViewer(t *testing.T) {
	env := newTestEnv(t)

	producer := env.dial(t, "/stream?cameraId=cam-1&token=tok")
	env.waitForProducer(t, "cam-1")
	viewer := env.dial(t, "/mobile?token=tok&cameraId=cam-1")

	var greeting ConnectionEstablished
	readEnvelope(t, viewer, &greeting)
	if greeting.CameraStatus != StatusOnline {
		t.Fatalf("cameraStatus=%q, want online with a live producer", greeting.CameraStatus)
	}

	chunk := []byte{0x47, 0xde, 0xad, 0xbe, 0xef}
	if err := producer.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	var frame VideoFrame
	readEnvelope(t, viewer, &frame)
	if frame.Type != MsgVideoFrame || frame.CameraID != "cam-1" {
		t.Fatalf("unexpected envelope: %+v", frame)
	}
	if !bytes.Equal(frame.Data, chunk) {
		t.Fatalf("data=%x, want %x", frame.Data, chunk)
	}
}

func TestProducerHeartbeatAck(t *testing.T) {
	env := newTestEnv(t)
	producer := env.dial(t, "/stream?cameraId=cam-1&token=tok")

	if err := producer.WriteJSON(map[string]string{"type": "heartbeat"}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	var ack heartbeatAck
	readEnvelope(t, producer, &ack)
	if ack.Type != MsgHeartbeatAck {
		t.Fatalf("type=%q, want heartbeat_ack", ack.Type)
	}
}

func TestNegotiationRequiresKnownPeerType(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/webrtc?cameraId=cam-1&type=tablet")
	expectPolicyClose(t, conn)
}

func TestNegotiationMobilePeerRequestStream(t *testing.T) {
	env := newTestEnv(t)

	producer := env.dial(t, "/stream?cameraId=cam-1&token=tok")
	env.waitForProducer(t, "cam-1")
	mobile := env.dial(t, "/webrtc?cameraId=cam-1&type=mobile&clientId=client-9")

	if err := mobile.WriteJSON(map[string]string{"type": "request_stream"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var msg signalPayload
	readEnvelope(t, producer, &msg)
	if msg.Type != MsgRequestStream || msg.ClientID != "client-9" {
		t.Fatalf("unexpected payload at producer: %+v", msg)
	}
}
