package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type fakePipelines struct {
	mu     sync.Mutex
	starts []string
	stops  []string
	writes int
}

func (f *fakePipelines) Start(cameraID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, cameraID)
	return nil
}

func (f *fakePipelines) Stop(cameraID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, cameraID)
}

func (f *fakePipelines) Write(cameraID string, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return nil
}

func (f *fakePipelines) PlaylistURL(cameraID string) (string, bool) { return "", false }

func (f *fakePipelines) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), len(f.stops)
}

func newTestRegistry() (*Registry, *fakePipelines) {
	fp := &fakePipelines{}
	return NewRegistry(zap.NewNop(), fp), fp
}

func recvJSON(t *testing.T, ch chan []byte, v interface{}) {
	t.Helper()
	select {
	case data := <-ch:
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("unmarshal queued message: %v", err)
		}
	default:
		t.Fatal("expected a queued message, send buffer empty")
	}
}

func TestAddProducerStartsPipeline(t *testing.T) {
	reg, fp := newTestRegistry()
	p := NewProducerSession("cam-1", nil, zap.NewNop())
	reg.AddProducer(p)

	if !reg.ProducerOnline("cam-1") {
		t.Fatal("producer not registered")
	}
	starts, stops := fp.counts()
	if starts != 1 || stops != 0 {
		t.Fatalf("starts=%d stops=%d, want 1/0", starts, stops)
	}
}

func TestAddProducerReplacesExisting(t *testing.T) {
	reg, fp := newTestRegistry()
	p1 := NewProducerSession("cam-1", nil, zap.NewNop())
	p2 := NewProducerSession("cam-1", nil, zap.NewNop())
	reg.AddProducer(p1)
	reg.AddProducer(p2)

	cur, ok := reg.Producer("cam-1")
	if !ok || cur != p2 {
		t.Fatal("replacement session is not the registered one")
	}
	producers, _ := reg.Counts()
	if producers != 1 {
		t.Fatalf("producers=%d, want 1", producers)
	}
	starts, stops := fp.counts()
	if starts != 2 || stops != 1 {
		t.Fatalf("starts=%d stops=%d, want 2/1", starts, stops)
	}
}

func TestRemoveProducerIgnoresStaleSession(t *testing.T) {
	reg, fp := newTestRegistry()
	p1 := NewProducerSession("cam-1", nil, zap.NewNop())
	p2 := NewProducerSession("cam-1", nil, zap.NewNop())
	reg.AddProducer(p1)
	reg.AddProducer(p2)

	// The replaced session's read loop exits late and tries to clean up.
	// It must not tear down its successor.
	reg.RemoveProducer(p1)

	if !reg.ProducerOnline("cam-1") {
		t.Fatal("stale disconnect removed the replacement session")
	}
	_, stops := fp.counts()
	if stops != 1 {
		t.Fatalf("stops=%d, want 1 (replacement only)", stops)
	}

	reg.RemoveProducer(p2)
	if reg.ProducerOnline("cam-1") {
		t.Fatal("current session not removed")
	}
	_, stops = fp.counts()
	if stops != 2 {
		t.Fatalf("stops=%d, want 2", stops)
	}
}

func TestFanoutFiltersBySubscription(t *testing.T) {
	reg, _ := newTestRegistry()
	a := NewViewerSession(Account{ID: "u1"}, "cam-1", nil, zap.NewNop())
	b := NewViewerSession(Account{ID: "u2"}, "cam-2", nil, zap.NewNop())
	reg.AddViewer(a)
	reg.AddViewer(b)

	chunk := []byte{0x47, 0x01, 0x02}
	if n := reg.Fanout("cam-1", chunk); n != 1 {
		t.Fatalf("fanout reached %d viewers, want 1", n)
	}

	var frame VideoFrame
	recvJSON(t, a.send, &frame)
	if frame.Type != MsgVideoFrame || frame.CameraID != "cam-1" {
		t.Fatalf("unexpected envelope: %+v", frame)
	}
	if string(frame.Data) != string(chunk) {
		t.Fatal("chunk bytes did not survive the envelope")
	}
	if frame.Size != len(chunk) {
		t.Fatalf("size=%d, want %d", frame.Size, len(chunk))
	}

	select {
	case <-b.send:
		t.Fatal("viewer subscribed to another camera received the frame")
	default:
	}
}

func TestFanoutDropsOnFullBuffer(t *testing.T) {
	reg, _ := newTestRegistry()
	v := NewViewerSession(Account{ID: "u1"}, "cam-1", nil, zap.NewNop())
	reg.AddViewer(v)

	for i := 0; i < sendBuffer; i++ {
		if !v.enqueueRaw([]byte("x")) {
			t.Fatalf("buffer full after %d frames, want %d", i, sendBuffer)
		}
	}
	if n := reg.Fanout("cam-1", []byte{0x47}); n != 0 {
		t.Fatalf("fanout reached %d viewers with a full buffer, want 0", n)
	}
}

func TestUpdateSubscriptionSwitchesFanout(t *testing.T) {
	reg, _ := newTestRegistry()
	v := NewViewerSession(Account{ID: "u1"}, "cam-1", nil, zap.NewNop())
	reg.AddViewer(v)

	if !reg.UpdateSubscription(v.SessionID, "cam-2") {
		t.Fatal("update failed for a live session")
	}
	if reg.Fanout("cam-1", []byte{0x47}) != 0 {
		t.Fatal("viewer still receives the old camera")
	}
	if reg.Fanout("cam-2", []byte{0x47}) != 1 {
		t.Fatal("viewer does not receive the new camera")
	}
	if reg.UpdateSubscription("nope", "cam-3") {
		t.Fatal("update succeeded for an unknown session")
	}
}

func TestRemoveViewerClearsNegotiationHandle(t *testing.T) {
	reg, _ := newTestRegistry()
	p := NewProducerSession("cam-1", nil, zap.NewNop())
	reg.AddProducer(p)
	v := NewViewerSession(Account{ID: "u1"}, "cam-1", nil, zap.NewNop())
	reg.AddViewer(v)
	p.AddPeer(v.ClientID)

	reg.RemoveViewer(v)
	if reg.HasViewer(v.SessionID) {
		t.Fatal("viewer still registered")
	}
	if p.PeerCount() != 0 {
		t.Fatal("negotiation handle survived viewer removal")
	}
}

func TestBroadcastStatusReachesSubscribers(t *testing.T) {
	reg, _ := newTestRegistry()
	v := NewViewerSession(Account{ID: "u1"}, "cam-1", nil, zap.NewNop())
	reg.AddViewer(v)

	reg.BroadcastStatus("cam-1", StatusOnline)

	var st CameraStatus
	recvJSON(t, v.send, &st)
	if st.Type != MsgCameraStatus || st.Status != StatusOnline || st.CameraID != "cam-1" {
		t.Fatalf("unexpected status envelope: %+v", st)
	}
}
