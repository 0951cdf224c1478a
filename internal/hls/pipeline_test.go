package hls

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// bare pipeline with no feed goroutine, so the input channel fills up and the
// drop path is deterministic.
func newBarePipeline(t *testing.T, buffer int) *Pipeline {
	t.Helper()
	return &Pipeline{
		CameraID:  "cam-1",
		Dir:       t.TempDir(),
		input:     make(chan []byte, buffer),
		quit:      make(chan struct{}),
		waitDone:  make(chan struct{}),
		highWater: buffer * 80 / 100,
		state:     StateRunning,
		startedAt: time.Now(),
		lastData:  time.Now(),
		log:       zap.NewNop(),
	}
}

func TestWriteRejectsNonTransportStream(t *testing.T) {
	p := newBarePipeline(t, 10)
	if err := p.write([]byte{0x00, 0x01}); err != ErrInvalidChunk {
		t.Fatalf("err=%v, want ErrInvalidChunk", err)
	}
	if err := p.write(nil); err != ErrInvalidChunk {
		t.Fatalf("err=%v, want ErrInvalidChunk for empty chunk", err)
	}
	_, frames, _ := p.Counters()
	if frames != 0 {
		t.Fatalf("frames=%d, want 0", frames)
	}
}

func TestWriteRejectsWhenNotRunning(t *testing.T) {
	p := newBarePipeline(t, 10)
	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	if err := p.write([]byte{tsSyncByte}); err != ErrNotActive {
		t.Fatalf("err=%v, want ErrNotActive", err)
	}
}

func TestWriteDropsAboveHighWater(t *testing.T) {
	p := newBarePipeline(t, 10) // high water at 8

	chunk := []byte{tsSyncByte, 0x01}
	for i := 0; i < 8; i++ {
		if err := p.write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := p.write(chunk); err != ErrDropped {
		t.Fatalf("err=%v, want ErrDropped at high water", err)
	}

	bytes, frames, dropped := p.Counters()
	if frames != 8 || dropped != 1 {
		t.Fatalf("frames=%d dropped=%d, want 8/1", frames, dropped)
	}
	if bytes != 16 {
		t.Fatalf("bytes=%d, want 16", bytes)
	}

	// A dropped chunk still counts the attempt, and acceptance resumes once
	// the transcoder catches up.
	<-p.input
	if err := p.write(chunk); err != nil {
		t.Fatalf("write after drain: %v", err)
	}
	_, frames, dropped = p.Counters()
	if frames != 9 || dropped != 1 {
		t.Fatalf("frames=%d dropped=%d, want 9/1", frames, dropped)
	}
}

func TestWriteCopiesChunk(t *testing.T) {
	p := newBarePipeline(t, 10)
	chunk := []byte{tsSyncByte, 0xaa}
	if err := p.write(chunk); err != nil {
		t.Fatalf("write: %v", err)
	}
	chunk[1] = 0xbb
	queued := <-p.input
	if queued[1] != 0xaa {
		t.Fatal("queued chunk aliases the caller's buffer")
	}
}

func TestPurgeStaleRemovesSegmentsAndManifests(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"segment_00001.ts", "playlist.m3u8", "keep.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o640); err != nil {
			t.Fatal(err)
		}
	}
	if err := purgeStale(dir); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if countSegments(dir) != 0 {
		t.Fatal("segments survived purge")
	}
	if _, err := os.Stat(filepath.Join(dir, "playlist.m3u8")); !os.IsNotExist(err) {
		t.Fatal("manifest survived purge")
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Fatal("unrelated file removed by purge")
	}
}

func TestPurgeStaleMissingDir(t *testing.T) {
	if err := purgeStale(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("purge on missing dir: %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		StateStopped:  "stopped",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String()=%q, want %q", s, got, want)
		}
	}
}
