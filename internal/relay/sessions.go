package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Heartbeat timing for both socket roles.
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second

	// Producers push raw TS chunks; viewers only send small JSON frames.
	producerReadLimit = 1 << 20
	viewerReadLimit   = 64 << 10

	sendBuffer = 256
)

// ProducerSession is the registry entry for one camera-side connection.
// At most one exists per camera id; a newer admission replaces it.
type ProducerSession struct {
	SessionID   string
	CameraID    string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	mu            sync.Mutex
	lastHeartbeat time.Time
	peers         map[string]time.Time // negotiating viewer clientID -> first seen

	closeOnce sync.Once
}

// NewProducerSession creates a producer session for an upgraded socket.
func NewProducerSession(cameraID string, conn *websocket.Conn, log *zap.Logger) *ProducerSession {
	return &ProducerSession{
		SessionID:     uuid.New().String(),
		CameraID:      cameraID,
		ConnectedAt:   time.Now(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		log:           log,
		lastHeartbeat: time.Now(),
		peers:         make(map[string]time.Time),
	}
}

// Enqueue marshals v and queues it for delivery. Returns false when the send
// buffer is full; the frame is dropped rather than blocking the caller.
func (p *ProducerSession) Enqueue(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return p.enqueueRaw(data)
}

func (p *ProducerSession) enqueueRaw(data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// TouchHeartbeat records a heartbeat from the camera.
func (p *ProducerSession) TouchHeartbeat() {
	p.mu.Lock()
	p.lastHeartbeat = time.Now()
	p.mu.Unlock()
}

// LastHeartbeat returns when the camera last sent a heartbeat.
func (p *ProducerSession) LastHeartbeat() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHeartbeat
}

// AddPeer registers a viewer client id that requested negotiation.
func (p *ProducerSession) AddPeer(clientID string) {
	p.mu.Lock()
	p.peers[clientID] = time.Now()
	p.mu.Unlock()
}

// RemovePeer clears a viewer's negotiation handle.
func (p *ProducerSession) RemovePeer(clientID string) {
	p.mu.Lock()
	delete(p.peers, clientID)
	p.mu.Unlock()
}

// PeerCount returns the number of viewers with pending negotiation handles.
func (p *ProducerSession) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// close shuts the socket down. Safe to call repeatedly.
func (p *ProducerSession) close() {
	p.closeOnce.Do(func() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
}

// ViewerSession is the registry entry for one watching client. Keyed by an
// opaque session id; ClientID is the generated id used in peer negotiation.
type ViewerSession struct {
	SessionID   string
	ClientID    string
	Account     Account
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	mu       sync.Mutex
	cameraID string

	closeOnce sync.Once
}

// NewViewerSession creates a viewer session subscribed to cameraID.
func NewViewerSession(account Account, cameraID string, conn *websocket.Conn, log *zap.Logger) *ViewerSession {
	return &ViewerSession{
		SessionID:   uuid.New().String(),
		ClientID:    uuid.New().String(),
		Account:     account,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		log:         log,
		cameraID:    cameraID,
	}
}

// Subscription returns the currently subscribed camera id.
func (v *ViewerSession) Subscription() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cameraID
}

func (v *ViewerSession) setSubscription(cameraID string) {
	v.mu.Lock()
	v.cameraID = cameraID
	v.mu.Unlock()
}

// Enqueue marshals v and queues it for delivery, dropping on a full buffer.
func (v *ViewerSession) Enqueue(msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return v.enqueueRaw(data)
}

func (v *ViewerSession) enqueueRaw(data []byte) bool {
	select {
	case v.send <- data:
		return true
	default:
		return false
	}
}

func (v *ViewerSession) close() {
	v.closeOnce.Do(func() {
		if v.conn != nil {
			_ = v.conn.Close()
		}
	})
}

// runWritePump drains a session send queue onto its socket, interleaving
// protocol pings. Returns when a write fails or the queue closes.
func runWritePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-send:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
