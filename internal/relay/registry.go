package relay

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/costawatch/backend/internal/metrics"
)

// Registry is the in-memory directory of live producer and viewer sessions.
// Producers are keyed by camera id, viewers by opaque session id. All maps
// are guarded by a single mutex; mutations never hold the lock across socket
// writes or pipeline calls.
type Registry struct {
	mu        sync.RWMutex
	producers map[string]*ProducerSession
	viewers   map[string]*ViewerSession

	pipelines PipelineController
	publisher StatusPublisher
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewRegistry creates a session registry driving the given pipeline manager.
func NewRegistry(log *zap.Logger, pipelines PipelineController) *Registry {
	return &Registry{
		producers: make(map[string]*ProducerSession),
		viewers:   make(map[string]*ViewerSession),
		pipelines: pipelines,
		log:       log,
	}
}

// SetStatusPublisher wires the cross-instance status bridge (optional).
func (r *Registry) SetStatusPublisher(p StatusPublisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// SetMetrics wires the Prometheus collectors (optional).
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// AddProducer installs a producer session. If the camera id is already
// registered the previous session is torn down first: its socket closed, its
// pipeline stopped. Two live pipelines for one camera id never coexist.
func (r *Registry) AddProducer(p *ProducerSession) {
	r.mu.Lock()
	old := r.producers[p.CameraID]
	r.producers[p.CameraID] = p
	count := len(r.producers)
	r.mu.Unlock()

	if old != nil {
		old.close()
		if r.pipelines != nil {
			r.pipelines.Stop(p.CameraID)
		}
		r.log.Info("producer session replaced", zap.String("camera_id", p.CameraID))
	}
	if r.pipelines != nil {
		if err := r.pipelines.Start(p.CameraID); err != nil {
			r.log.Warn("pipeline start failed", zap.String("camera_id", p.CameraID), zap.Error(err))
		}
	}
	r.metrics.SetProducerSessions(count)
	r.BroadcastStatus(p.CameraID, StatusOnline)
	r.log.Info("camera connected",
		zap.String("camera_id", p.CameraID),
		zap.String("session_id", p.SessionID))
}

// RemoveProducer tears down a producer session: registry entry, pipeline,
// status broadcast. A session that was already replaced is ignored, so a
// stale disconnect never kills its successor's pipeline.
func (r *Registry) RemoveProducer(p *ProducerSession) {
	r.mu.Lock()
	cur, ok := r.producers[p.CameraID]
	if !ok || cur != p {
		r.mu.Unlock()
		p.close()
		return
	}
	delete(r.producers, p.CameraID)
	count := len(r.producers)
	r.mu.Unlock()

	p.close()
	if r.pipelines != nil {
		r.pipelines.Stop(p.CameraID)
	}
	r.metrics.SetProducerSessions(count)
	r.BroadcastStatus(p.CameraID, StatusOffline)
	r.log.Info("camera disconnected", zap.String("camera_id", p.CameraID))
}

// Producer returns the live session for a camera id.
func (r *Registry) Producer(cameraID string) (*ProducerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[cameraID]
	return p, ok
}

// ProducerOnline reports whether a camera currently has a live producer.
func (r *Registry) ProducerOnline(cameraID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.producers[cameraID]
	return ok
}

// AddViewer installs a viewer session.
func (r *Registry) AddViewer(v *ViewerSession) {
	r.mu.Lock()
	r.viewers[v.SessionID] = v
	count := len(r.viewers)
	r.mu.Unlock()
	r.metrics.SetViewerSessions(count)
	r.log.Debug("viewer connected",
		zap.String("session_id", v.SessionID),
		zap.String("account_id", v.Account.ID),
		zap.String("camera_id", v.Subscription()))
}

// RemoveViewer drops a viewer session and its negotiation handle on the
// producer it was subscribed to.
func (r *Registry) RemoveViewer(v *ViewerSession) {
	r.mu.Lock()
	_, ok := r.viewers[v.SessionID]
	delete(r.viewers, v.SessionID)
	count := len(r.viewers)
	r.mu.Unlock()
	if !ok {
		return
	}
	v.close()
	if p, live := r.Producer(v.Subscription()); live {
		p.RemovePeer(v.ClientID)
	}
	r.metrics.SetViewerSessions(count)
	r.log.Debug("viewer disconnected", zap.String("session_id", v.SessionID))
}

// HasViewer reports whether a session id is still registered. Used after
// asynchronous admission checks so state is never mutated for a socket that
// closed while the check was in flight.
func (r *Registry) HasViewer(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.viewers[sessionID]
	return ok
}

// UpdateSubscription switches a viewer to a new camera id. Returns false when
// the session is gone.
func (r *Registry) UpdateSubscription(sessionID, cameraID string) bool {
	r.mu.RLock()
	v, ok := r.viewers[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	v.setSubscription(cameraID)
	return true
}

// ViewerByClientID finds the viewer session with the given negotiation
// client id, restricted to viewers subscribed to cameraID.
func (r *Registry) ViewerByClientID(cameraID, clientID string) (*ViewerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.viewers {
		if v.ClientID == clientID && v.Subscription() == cameraID {
			return v, true
		}
	}
	return nil, false
}

// Fanout delivers one opaque media chunk to every viewer subscribed to the
// sending camera. Delivery is best effort: a full send buffer drops the frame
// for that viewer only. Returns the number of viewers reached.
func (r *Registry) Fanout(cameraID string, chunk []byte) int {
	env := VideoFrame{
		Type:      MsgVideoFrame,
		CameraID:  cameraID,
		Timestamp: time.Now().UnixMilli(),
		Size:      len(chunk),
		Data:      chunk,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return 0
	}

	targets := r.subscribedViewers(cameraID)
	n := 0
	for _, v := range targets {
		if v.enqueueRaw(data) {
			n++
		}
	}
	r.metrics.IncFramesRelayed()
	return n
}

// BroadcastStatus announces a camera transition to local subscribers and, if
// a publisher is wired, to peer relay instances.
func (r *Registry) BroadcastStatus(cameraID, status string) {
	r.broadcastStatusLocal(cameraID, status)
	r.mu.RLock()
	pub := r.publisher
	r.mu.RUnlock()
	if pub != nil {
		if err := pub.PublishStatus(cameraID, status); err != nil {
			r.log.Warn("status publish failed", zap.String("camera_id", cameraID), zap.Error(err))
		}
	}
}

// broadcastStatusLocal delivers a camera_status envelope to local viewers
// only. The Redis bridge calls this for transitions seen on other instances.
func (r *Registry) broadcastStatusLocal(cameraID, status string) {
	env := CameraStatus{
		Type:      MsgCameraStatus,
		CameraID:  cameraID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, v := range r.subscribedViewers(cameraID) {
		v.enqueueRaw(data)
	}
}

func (r *Registry) subscribedViewers(cameraID string) []*ViewerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ViewerSession
	for _, v := range r.viewers {
		if v.Subscription() == cameraID {
			out = append(out, v)
		}
	}
	return out
}

// Counts returns the number of live producer and viewer sessions.
func (r *Registry) Counts() (producers, viewers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.producers), len(r.viewers)
}

// ProducerSnapshot describes one live producer for the status endpoints.
type ProducerSnapshot struct {
	CameraID      string    `json:"cameraId"`
	SessionID     string    `json:"sessionId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Peers         int       `json:"negotiatingPeers"`
}

// ViewerSnapshot describes one live viewer for the status endpoints.
type ViewerSnapshot struct {
	SessionID   string    `json:"sessionId"`
	ClientID    string    `json:"clientId"`
	AccountID   string    `json:"accountId"`
	AccountName string    `json:"accountName"`
	CameraID    string    `json:"cameraId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Producers returns a snapshot of all live producer sessions.
func (r *Registry) Producers() []ProducerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProducerSnapshot, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, ProducerSnapshot{
			CameraID:      p.CameraID,
			SessionID:     p.SessionID,
			ConnectedAt:   p.ConnectedAt,
			LastHeartbeat: p.LastHeartbeat(),
			Peers:         p.PeerCount(),
		})
	}
	return out
}

// Viewers returns a snapshot of all live viewer sessions.
func (r *Registry) Viewers() []ViewerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ViewerSnapshot, 0, len(r.viewers))
	for _, v := range r.viewers {
		out = append(out, ViewerSnapshot{
			SessionID:   v.SessionID,
			ClientID:    v.ClientID,
			AccountID:   v.Account.ID,
			AccountName: v.Account.Name,
			CameraID:    v.Subscription(),
			ConnectedAt: v.ConnectedAt,
		})
	}
	return out
}

// Close tears down every session. Pipelines are stopped through the normal
// RemoveProducer path.
func (r *Registry) Close() {
	r.mu.Lock()
	producers := make([]*ProducerSession, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	viewers := make([]*ViewerSession, 0, len(r.viewers))
	for _, v := range r.viewers {
		viewers = append(viewers, v)
	}
	r.mu.Unlock()

	for _, p := range producers {
		r.RemoveProducer(p)
	}
	for _, v := range viewers {
		r.RemoveViewer(v)
	}
}
