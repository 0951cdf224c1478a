package hls

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MPEG-TS packets start with the sync byte; anything else is not ours.
const tsSyncByte = 0x47

// How often (in frames) to verify the transcoder is actually producing
// segment files. Catches an ffmpeg that consumes input but writes nothing.
const segmentCheckEvery = 100

// Write rejections. None of them are fatal to the producer connection.
var (
	ErrNotActive    = errors.New("pipeline not active")
	ErrInvalidChunk = errors.New("chunk is not transport-stream data")
	ErrDropped      = errors.New("chunk dropped: input buffer over high-water mark")
)

// State is the pipeline lifecycle phase.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Pipeline owns one external segmenting-transcoder process. Input flows
// through a bounded channel so a stalled process surfaces as drops, never as
// unbounded memory growth.
type Pipeline struct {
	CameraID string
	Dir      string

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	input    chan []byte
	quit     chan struct{}
	waitDone chan struct{}

	highWater int

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	lastData     time.Time
	bytesIn      uint64
	frames       uint64
	dropped      uint64
	backpressure bool

	log      *zap.Logger
	stopOnce sync.Once
}

// State returns the current lifecycle phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastData returns when the pipeline last accepted a chunk.
func (p *Pipeline) LastData() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastData
}

// Counters returns bytes accepted, frames accepted and frames dropped.
func (p *Pipeline) Counters() (bytes, frames, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesIn, p.frames, p.dropped
}

// write validates and queues one chunk toward the transcoder.
func (p *Pipeline) write(chunk []byte) error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return ErrNotActive
	}
	p.mu.Unlock()

	if len(chunk) == 0 || chunk[0] != tsSyncByte {
		return ErrInvalidChunk
	}

	// Above ~80% occupancy the transcoder is behind; drop rather than grow.
	if len(p.input) >= p.highWater {
		p.mu.Lock()
		p.dropped++
		p.backpressure = true
		p.mu.Unlock()
		return ErrDropped
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	select {
	case p.input <- buf:
	default:
		p.mu.Lock()
		p.dropped++
		p.backpressure = true
		p.mu.Unlock()
		return ErrDropped
	}

	p.mu.Lock()
	p.bytesIn += uint64(len(chunk))
	p.frames++
	p.lastData = time.Now()
	p.backpressure = false
	frames := p.frames
	p.mu.Unlock()

	if frames%segmentCheckEvery == 0 {
		p.checkSegments()
	}
	return nil
}

// feed drains the input channel into the process stdin. A write error means
// the process died; the wait goroutine handles cleanup.
func (p *Pipeline) feed() {
	for {
		select {
		case chunk := <-p.input:
			if _, err := p.stdin.Write(chunk); err != nil {
				p.log.Warn("transcoder stdin write failed",
					zap.String("camera_id", p.CameraID), zap.Error(err))
				return
			}
		case <-p.quit:
			_ = p.stdin.Close()
			return
		}
	}
}

// stop terminates the process: interrupt first, kill after a grace period.
// Safe to call any number of times, from any goroutine.
func (p *Pipeline) stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.state = StateStopping
		p.mu.Unlock()

		close(p.quit)

		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(os.Interrupt)
			select {
			case <-p.waitDone:
			case <-time.After(5 * time.Second):
				_ = p.cmd.Process.Kill()
				select {
				case <-p.waitDone:
				case <-time.After(time.Second):
				}
			}
		}

		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
		p.log.Info("pipeline stopped", zap.String("camera_id", p.CameraID))
	})
}

// checkSegments warns when the transcoder accepts input but writes no
// segment files (silent failure detector).
func (p *Pipeline) checkSegments() {
	if countSegments(p.Dir) == 0 {
		p.log.Warn("transcoder consuming input but producing no segments",
			zap.String("camera_id", p.CameraID), zap.String("dir", p.Dir))
	}
}

func countSegments(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ts") {
			n++
		}
	}
	return n
}

// purgeStale removes leftover segment and playlist files so a reused camera
// id never serves a previous run's media.
func purgeStale(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".ts") || strings.HasSuffix(name, ".m3u8") {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}
