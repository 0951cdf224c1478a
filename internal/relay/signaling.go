package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/costawatch/backend/internal/metrics"
)

// ErrNoProducer is returned when a negotiation targets a camera with no live
// producer-side peer.
var ErrNoProducer = errors.New("no live producer for camera")

// Signaling brokers offer/answer/candidate between one producer and its
// viewers without interpreting payloads. It serves both the session-based
// sockets (via the registry) and the dedicated negotiation entry point,
// where peers are keyed purely by the camera id / client id query params.
type Signaling struct {
	reg     *Registry
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	offers   map[string]string           // cameraID -> pending offer SDP
	camPeers map[string]*negotiationPeer // direct camera-side sockets by cameraID
	mobPeers map[string]*negotiationPeer // direct mobile-side sockets by clientID
}

// NewSignaling creates the negotiation relay on top of a session registry.
func NewSignaling(reg *Registry, log *zap.Logger) *Signaling {
	return &Signaling{
		reg:      reg,
		log:      log,
		offers:   make(map[string]string),
		camPeers: make(map[string]*negotiationPeer),
		mobPeers: make(map[string]*negotiationPeer),
	}
}

// SetMetrics wires the Prometheus collectors (optional).
func (s *Signaling) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// HandleProducerOffer records the camera's pending offer and broadcasts it to
// every viewer currently subscribed. A producer's media description does not
// vary per viewer, so one offer serves all of them.
func (s *Signaling) HandleProducerOffer(cameraID, sdp string) {
	s.mu.Lock()
	s.offers[cameraID] = sdp
	peers := s.mobilePeersFor(cameraID)
	m := s.metrics
	s.mu.Unlock()

	payload := signalPayload{Type: MsgOffer, CameraID: cameraID, SDP: sdp}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	for _, v := range s.reg.subscribedViewers(cameraID) {
		v.enqueueRaw(data)
	}
	for _, p := range peers {
		p.enqueueRaw(data)
	}
	m.IncSignaling()
	s.log.Debug("offer broadcast", zap.String("camera_id", cameraID))
}

// PendingOffer returns the most recent offer stored for a camera.
func (s *Signaling) PendingOffer(cameraID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sdp, ok := s.offers[cameraID]
	return sdp, ok
}

// RequestStream asks the camera's producer to begin negotiation for the
// given viewer client id and registers the pending peer handle.
func (s *Signaling) RequestStream(cameraID, clientID string) error {
	if p, ok := s.reg.Producer(cameraID); ok {
		p.AddPeer(clientID)
		p.Enqueue(signalPayload{Type: MsgRequestStream, CameraID: cameraID, ClientID: clientID})
		return nil
	}
	s.mu.Lock()
	peer, ok := s.camPeers[cameraID]
	s.mu.Unlock()
	if !ok {
		return ErrNoProducer
	}
	peer.Enqueue(signalPayload{Type: MsgRequestStream, CameraID: cameraID, ClientID: clientID})
	return nil
}

// RelayToProducer delivers a viewer's answer or candidate to the camera side,
// tagged with the viewer's client id. Missing target: logged, dropped, sender
// not notified.
func (s *Signaling) RelayToProducer(cameraID, clientID, kind, sdp string, candidate json.RawMessage) {
	if kind == MsgCandidate && !validCandidate(candidate) {
		s.log.Warn("malformed candidate dropped",
			zap.String("camera_id", cameraID), zap.String("client_id", clientID))
		return
	}
	payload := signalPayload{Type: kind, CameraID: cameraID, ClientID: clientID, SDP: sdp, Candidate: candidate}
	if p, ok := s.reg.Producer(cameraID); ok {
		p.Enqueue(payload)
		s.metrics.IncSignaling()
		return
	}
	s.mu.Lock()
	peer, ok := s.camPeers[cameraID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("no producer peer for relay", zap.String("camera_id", cameraID))
		return
	}
	peer.Enqueue(payload)
	s.metrics.IncSignaling()
}

// RelayToViewer delivers a producer's targeted answer or candidate to the
// viewer whose generated client id matches. No match: silently dropped.
func (s *Signaling) RelayToViewer(cameraID, clientID, kind, sdp string, candidate json.RawMessage) {
	if kind == MsgCandidate && !validCandidate(candidate) {
		s.log.Warn("malformed candidate dropped",
			zap.String("camera_id", cameraID), zap.String("client_id", clientID))
		return
	}
	payload := signalPayload{Type: kind, CameraID: cameraID, ClientID: clientID, SDP: sdp, Candidate: candidate}
	if v, ok := s.reg.ViewerByClientID(cameraID, clientID); ok {
		v.Enqueue(payload)
		s.metrics.IncSignaling()
		return
	}
	s.mu.Lock()
	peer, ok := s.mobPeers[clientID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("no viewer peer for relay",
			zap.String("camera_id", cameraID), zap.String("client_id", clientID))
		return
	}
	peer.Enqueue(payload)
	s.metrics.IncSignaling()
}

// ClearCamera drops the pending offer for a camera. Called when its producer
// session or direct peer ends.
func (s *Signaling) ClearCamera(cameraID string) {
	s.mu.Lock()
	delete(s.offers, cameraID)
	s.mu.Unlock()
}

func (s *Signaling) mobilePeersFor(cameraID string) []*negotiationPeer {
	var out []*negotiationPeer
	for _, p := range s.mobPeers {
		if p.cameraID == cameraID {
			out = append(out, p)
		}
	}
	return out
}

// validCandidate checks that the payload at least parses as an ICE candidate.
// Contents stay opaque.
func validCandidate(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return false
	}
	return c.Candidate != ""
}

// negotiationPeer is a socket on the dedicated negotiation entry point. It
// carries no session state beyond its identifying query parameters.
type negotiationPeer struct {
	cameraID  string
	clientID  string
	role      string // "camera" or "mobile"
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (p *negotiationPeer) Enqueue(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return p.enqueueRaw(data)
}

func (p *negotiationPeer) enqueueRaw(data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *negotiationPeer) close() {
	p.closeOnce.Do(func() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
}

// AddCameraPeer registers a camera-side direct-negotiation socket. An
// existing peer for the same camera id is replaced.
func (s *Signaling) AddCameraPeer(cameraID string, conn *websocket.Conn) *negotiationPeer {
	peer := &negotiationPeer{
		cameraID: cameraID,
		role:     "camera",
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	s.mu.Lock()
	old := s.camPeers[cameraID]
	s.camPeers[cameraID] = peer
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
	return peer
}

// AddMobilePeer registers a mobile-side direct-negotiation socket keyed by
// the caller-supplied client id.
func (s *Signaling) AddMobilePeer(cameraID, clientID string, conn *websocket.Conn) *negotiationPeer {
	peer := &negotiationPeer{
		cameraID: cameraID,
		clientID: clientID,
		role:     "mobile",
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	s.mu.Lock()
	old := s.mobPeers[clientID]
	s.mobPeers[clientID] = peer
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
	return peer
}

func (s *Signaling) removePeer(peer *negotiationPeer) {
	s.mu.Lock()
	switch peer.role {
	case "camera":
		if s.camPeers[peer.cameraID] == peer {
			delete(s.camPeers, peer.cameraID)
			delete(s.offers, peer.cameraID)
		}
	case "mobile":
		if s.mobPeers[peer.clientID] == peer {
			delete(s.mobPeers, peer.clientID)
		}
	}
	s.mu.Unlock()
	peer.close()
}

// runPeer drives a direct-negotiation socket: same relay functions, keyed by
// the query parameters instead of session lookup.
func (s *Signaling) runPeer(peer *negotiationPeer) {
	defer s.removePeer(peer)

	go runWritePump(peer.conn, peer.send)

	peer.conn.SetReadLimit(viewerReadLimit)
	_ = peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		_ = peer.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = peer.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg signalPayload
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("malformed negotiation message", zap.Error(err))
			continue
		}
		switch peer.role {
		case "camera":
			switch msg.Type {
			case MsgOffer:
				s.HandleProducerOffer(peer.cameraID, msg.SDP)
			case MsgAnswer, MsgCandidate:
				s.RelayToViewer(peer.cameraID, msg.ClientID, msg.Type, msg.SDP, msg.Candidate)
			default:
				s.log.Debug("unknown negotiation message", zap.String("type", msg.Type))
			}
		case "mobile":
			switch msg.Type {
			case MsgRequestStream:
				if err := s.RequestStream(peer.cameraID, peer.clientID); err != nil {
					peer.Enqueue(ErrorMessage{Type: MsgError, Message: "stream unavailable", Timestamp: time.Now().UnixMilli()})
				}
			case MsgAnswer, MsgCandidate:
				s.RelayToProducer(peer.cameraID, peer.clientID, msg.Type, msg.SDP, msg.Candidate)
			default:
				s.log.Debug("unknown negotiation message", zap.String("type", msg.Type))
			}
		}
	}
}
