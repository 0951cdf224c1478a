package hls

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/costawatch/backend/internal/metrics"
)

// Config holds the segmenting transcoder settings.
type Config struct {
	OutputDir      string
	FFmpegPath     string
	SegmentSeconds int
	PlaylistSize   int
	InputBuffer    int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = "hls-streams"
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = 2
	}
	if c.PlaylistSize <= 0 {
		c.PlaylistSize = 6
	}
	if c.InputBuffer <= 0 {
		c.InputBuffer = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

// Manager owns one transcoding pipeline per live camera and the idle reaper
// that stops pipelines whose producers went quiet without disconnecting.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	pipelines map[string]*Pipeline

	// commandFor builds the transcoder invocation; replaced in tests.
	commandFor func(cameraID, dir string) *exec.Cmd

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates the pipeline manager and starts its idle reaper.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		log:       log,
		pipelines: make(map[string]*Pipeline),
		done:      make(chan struct{}),
	}
	m.commandFor = m.ffmpegCommand
	go m.reaperLoop()
	return m
}

// SetMetrics wires the Prometheus collectors (optional).
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mt
}

// Start launches a pipeline for the camera, replacing any existing one.
// The output directory is purged of stale segment and playlist files first.
func (m *Manager) Start(cameraID string) error {
	m.Stop(cameraID)

	dir := filepath.Join(m.cfg.OutputDir, cameraID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := purgeStale(dir); err != nil {
		return fmt.Errorf("purge stale segments: %w", err)
	}

	cmd := m.commandFor(cameraID, dir)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start transcoder: %w", err)
	}

	now := time.Now()
	p := &Pipeline{
		CameraID:  cameraID,
		Dir:       dir,
		cmd:       cmd,
		stdin:     stdin,
		input:     make(chan []byte, m.cfg.InputBuffer),
		quit:      make(chan struct{}),
		waitDone:  make(chan struct{}),
		highWater: m.cfg.InputBuffer * 80 / 100,
		state:     StateRunning,
		startedAt: now,
		lastData:  now,
		log:       m.log,
	}
	go p.feed()
	go m.wait(p)

	m.mu.Lock()
	m.pipelines[cameraID] = p
	n := len(m.pipelines)
	m.mu.Unlock()
	m.metrics.SetActivePipelines(n)

	m.log.Info("pipeline started",
		zap.String("camera_id", cameraID), zap.String("dir", dir))
	return nil
}

// wait reaps the process. An exit while the pipeline is still running is a
// transcoder failure and tears the pipeline down.
func (m *Manager) wait(p *Pipeline) {
	err := p.cmd.Wait()
	close(p.waitDone)
	if p.State() == StateRunning {
		m.log.Warn("transcoder exited unexpectedly",
			zap.String("camera_id", p.CameraID), zap.Error(err))
		m.remove(p)
	}
}

// Write feeds one producer chunk to the camera's pipeline.
func (m *Manager) Write(cameraID string, chunk []byte) error {
	m.mu.Lock()
	p, ok := m.pipelines[cameraID]
	m.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	err := p.write(chunk)
	if err == ErrDropped {
		m.metrics.IncFramesDropped()
	}
	return err
}

// Stop tears down the camera's pipeline. A no-op when none is running.
func (m *Manager) Stop(cameraID string) {
	m.mu.Lock()
	p, ok := m.pipelines[cameraID]
	if ok {
		delete(m.pipelines, cameraID)
	}
	n := len(m.pipelines)
	m.mu.Unlock()
	if !ok {
		return
	}
	p.stop()
	m.metrics.SetActivePipelines(n)
}

// remove deletes the entry for p only if it is still current, then stops it.
// Protects a replacement pipeline from its predecessor's wait goroutine.
func (m *Manager) remove(p *Pipeline) {
	m.mu.Lock()
	cur, ok := m.pipelines[p.CameraID]
	if ok && cur == p {
		delete(m.pipelines, p.CameraID)
	}
	n := len(m.pipelines)
	m.mu.Unlock()
	p.stop()
	m.metrics.SetActivePipelines(n)
}

// Pipeline returns the live pipeline for a camera.
func (m *Manager) Pipeline(cameraID string) (*Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[cameraID]
	return p, ok
}

// PlaylistURL returns the relative playlist URL when the camera's manifest
// exists on disk.
func (m *Manager) PlaylistURL(cameraID string) (string, bool) {
	if _, err := os.Stat(m.PlaylistPath(cameraID)); err != nil {
		return "", false
	}
	return "/hls/" + cameraID + "/playlist.m3u8", true
}

// PlaylistPath returns the on-disk manifest path for a camera.
func (m *Manager) PlaylistPath(cameraID string) string {
	return filepath.Join(m.cfg.OutputDir, cameraID, "playlist.m3u8")
}

// SegmentPath returns the on-disk path for one segment file name.
func (m *Manager) SegmentPath(cameraID, segment string) string {
	return filepath.Join(m.cfg.OutputDir, cameraID, segment)
}

// StreamInfo describes one pipeline for the HTTP surface.
type StreamInfo struct {
	CameraID     string    `json:"cameraId"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"startedAt"`
	LastData     time.Time `json:"lastData"`
	Bytes        uint64    `json:"bytes"`
	Frames       uint64    `json:"frames"`
	Dropped      uint64    `json:"dropped"`
	Backpressure bool      `json:"backpressure"`
	Segments     int       `json:"segments"`
}

// Info returns a snapshot of one camera's pipeline.
func (m *Manager) Info(cameraID string) (StreamInfo, bool) {
	m.mu.Lock()
	p, ok := m.pipelines[cameraID]
	m.mu.Unlock()
	if !ok {
		return StreamInfo{}, false
	}
	return snapshot(p), true
}

// ActiveStreams returns snapshots of every live pipeline.
func (m *Manager) ActiveStreams() []StreamInfo {
	m.mu.Lock()
	pipelines := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.mu.Unlock()

	out := make([]StreamInfo, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, snapshot(p))
	}
	return out
}

func snapshot(p *Pipeline) StreamInfo {
	p.mu.Lock()
	info := StreamInfo{
		CameraID:     p.CameraID,
		State:        p.state.String(),
		StartedAt:    p.startedAt,
		LastData:     p.lastData,
		Bytes:        p.bytesIn,
		Frames:       p.frames,
		Dropped:      p.dropped,
		Backpressure: p.backpressure,
	}
	p.mu.Unlock()
	info.Segments = countSegments(p.Dir)
	return info
}

// reaperLoop periodically stops pipelines that went idle: producers that
// stop sending without closing their socket must not pin a transcoder.
func (m *Manager) reaperLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	var idle []*Pipeline
	for _, p := range m.pipelines {
		if time.Since(p.LastData()) > m.cfg.IdleTimeout {
			idle = append(idle, p)
		}
	}
	m.mu.Unlock()

	for _, p := range idle {
		m.log.Info("reaping idle pipeline",
			zap.String("camera_id", p.CameraID),
			zap.Time("last_data", p.LastData()))
		m.remove(p)
	}
}

// Close stops the reaper and every pipeline.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		pipelines := make([]*Pipeline, 0, len(m.pipelines))
		for _, p := range m.pipelines {
			pipelines = append(pipelines, p)
		}
		m.pipelines = make(map[string]*Pipeline)
		m.mu.Unlock()
		for _, p := range pipelines {
			p.stop()
		}
		m.metrics.SetActivePipelines(0)
	})
}

// ffmpegCommand builds the low-latency HLS invocation: no input buffering or
// probing, passthrough video, short segments in a rolling window.
func (m *Manager) ffmpegCommand(cameraID, dir string) *exec.Cmd {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "nobuffer",
		"-analyzeduration", "0",
		"-probesize", "32",
		"-f", "mpegts",
		"-i", "pipe:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(m.cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(m.cfg.PlaylistSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(dir, "segment_%05d.ts"),
		filepath.Join(dir, "playlist.m3u8"),
	}
	return exec.Command(m.cfg.FFmpegPath, args...)
}
