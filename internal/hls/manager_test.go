package hls

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	m := NewManager(cfg, zap.NewNop())
	m.commandFor = func(cameraID, dir string) *exec.Cmd {
		return exec.Command("cat")
	}
	t.Cleanup(m.Close)
	return m
}

func TestStartStopLifecycle(t *testing.T) {
	m := newTestManager(t, Config{})

	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	p, ok := m.Pipeline("cam-1")
	if !ok || p.State() != StateRunning {
		t.Fatal("pipeline not running after start")
	}

	m.Stop("cam-1")
	if _, ok := m.Pipeline("cam-1"); ok {
		t.Fatal("pipeline still registered after stop")
	}
	if p.State() != StateStopped {
		t.Fatalf("state=%s, want stopped", p.State())
	}

	// Stopping an unknown camera is a no-op.
	m.Stop("cam-1")
	m.Stop("never-started")
}

func TestStartReplacesExistingPipeline(t *testing.T) {
	m := newTestManager(t, Config{})

	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := m.Pipeline("cam-1")

	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	second, ok := m.Pipeline("cam-1")
	if !ok || second == first {
		t.Fatal("restart did not install a new pipeline")
	}
	if first.State() != StateStopped {
		t.Fatal("previous pipeline left running")
	}
}

func TestStartPurgesStaleFiles(t *testing.T) {
	out := t.TempDir()
	dir := filepath.Join(out, "cam-1")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"segment_00001.ts", "playlist.m3u8"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o640); err != nil {
			t.Fatal(err)
		}
	}

	m := newTestManager(t, Config{OutputDir: out})
	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if countSegments(dir) != 0 {
		t.Fatal("previous run's segments survived start")
	}
}

func TestWriteRouting(t *testing.T) {
	m := newTestManager(t, Config{})

	if err := m.Write("cam-1", []byte{tsSyncByte}); err != ErrNotActive {
		t.Fatalf("err=%v, want ErrNotActive before start", err)
	}

	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Write("cam-1", []byte{0x00}); err != ErrInvalidChunk {
		t.Fatalf("err=%v, want ErrInvalidChunk", err)
	}
	if err := m.Write("cam-1", []byte{tsSyncByte, 0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, _ := m.Pipeline("cam-1")
	_, frames, _ := p.Counters()
	if frames != 1 {
		t.Fatalf("frames=%d, want 1", frames)
	}
}

func TestUnexpectedExitRemovesPipeline(t *testing.T) {
	m := newTestManager(t, Config{})
	m.commandFor = func(cameraID, dir string) *exec.Cmd {
		return exec.Command("true") // exits immediately
	}

	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Pipeline("cam-1"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("dead transcoder's pipeline never removed")
}

func TestIdleReaperStopsQuietPipeline(t *testing.T) {
	m := newTestManager(t, Config{
		IdleTimeout:   20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Pipeline("cam-1"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("idle pipeline never reaped")
}

func TestPlaylistURLRequiresManifest(t *testing.T) {
	out := t.TempDir()
	m := newTestManager(t, Config{OutputDir: out})

	if _, ok := m.PlaylistURL("cam-1"); ok {
		t.Fatal("playlist URL reported before any manifest exists")
	}

	dir := filepath.Join(out, "cam-1")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte("#EXTM3U"), 0o640); err != nil {
		t.Fatal(err)
	}

	url, ok := m.PlaylistURL("cam-1")
	if !ok || url != "/hls/cam-1/playlist.m3u8" {
		t.Fatalf("url=%q ok=%v", url, ok)
	}
}

func TestActiveStreamsSnapshot(t *testing.T) {
	m := newTestManager(t, Config{})

	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start("cam-2"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Write("cam-1", []byte{tsSyncByte, 0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	streams := m.ActiveStreams()
	if len(streams) != 2 {
		t.Fatalf("streams=%d, want 2", len(streams))
	}

	info, ok := m.Info("cam-1")
	if !ok || info.Frames != 1 || info.State != "running" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	m := newTestManager(t, Config{})
	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	p, _ := m.Pipeline("cam-1")

	m.Close()
	if p.State() != StateStopped {
		t.Fatal("pipeline left running after close")
	}
	if len(m.ActiveStreams()) != 0 {
		t.Fatal("streams reported after close")
	}
	m.Close() // idempotent
}
