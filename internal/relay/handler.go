package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/costawatch/backend/internal/metrics"
)

// DefaultCameraID is the sentinel subscription for viewers that connect
// without naming a camera.
const DefaultCameraID = "default"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Relay is the media session and signaling service: admission, session
// registry, frame fan-out and peer negotiation over three WebSocket entry
// points. Construct with New, release with Close.
type Relay struct {
	reg       *Registry
	sig       *Signaling
	pipelines PipelineController

	cameraAuth CameraAuthenticator
	viewerAuth ViewerAuthenticator
	devices    DeviceDirectory

	authTimeout time.Duration
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// Options carries the relay's collaborators.
type Options struct {
	Pipelines   PipelineController
	CameraAuth  CameraAuthenticator
	ViewerAuth  ViewerAuthenticator
	Devices     DeviceDirectory
	AuthTimeout time.Duration // zero means 5s
	Metrics     *metrics.Metrics
}

// New creates the relay service with its own registry and signaling state.
func New(log *zap.Logger, opts Options) *Relay {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	reg := NewRegistry(log, opts.Pipelines)
	reg.SetMetrics(opts.Metrics)
	sig := NewSignaling(reg, log)
	sig.SetMetrics(opts.Metrics)
	return &Relay{
		reg:         reg,
		sig:         sig,
		pipelines:   opts.Pipelines,
		cameraAuth:  opts.CameraAuth,
		viewerAuth:  opts.ViewerAuth,
		devices:     opts.Devices,
		authTimeout: opts.AuthTimeout,
		metrics:     opts.Metrics,
		log:         log,
	}
}

// Registry exposes the session registry to the HTTP status handlers.
func (r *Relay) Registry() *Registry { return r.reg }

// Signaling exposes the negotiation relay.
func (r *Relay) Signaling() *Signaling { return r.sig }

// Close tears down every live session.
func (r *Relay) Close() {
	r.reg.Close()
}

// deny closes an upgraded socket with the policy-violation code and a
// human-readable reason. No session state exists at this point.
func (r *Relay) deny(conn *websocket.Conn, reason string) {
	r.metrics.IncAdmissionsDenied()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// ServeProducer handles the /stream entry point: a camera pushing its media
// byte stream. Requires cameraId plus a token bound to that camera; the
// device must exist and be active.
func (r *Relay) ServeProducer(c *gin.Context) {
	cameraID := c.Query("cameraId")
	token := c.Query("token")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if cameraID == "" || token == "" {
		r.deny(conn, "cameraId and token required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.authTimeout)
	defer cancel()
	if err := r.cameraAuth.VerifyCameraToken(ctx, cameraID, token); err != nil {
		r.log.Info("producer admission denied",
			zap.String("camera_id", cameraID), zap.Error(err))
		r.deny(conn, "invalid camera credentials")
		return
	}
	active, err := r.devices.DeviceActive(ctx, cameraID)
	if err != nil || !active {
		r.log.Info("producer admission denied",
			zap.String("camera_id", cameraID), zap.Error(err))
		r.deny(conn, "unknown or inactive camera")
		return
	}

	p := NewProducerSession(cameraID, conn, r.log)
	r.reg.AddProducer(p)
	r.runProducer(p)
}

// ServeViewer handles the /mobile entry point: a client watching a camera.
// Requires a viewer token; cameraId defaults to the sentinel device.
func (r *Relay) ServeViewer(c *gin.Context) {
	token := c.Query("token")
	cameraID := c.Query("cameraId")
	if cameraID == "" {
		cameraID = DefaultCameraID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if token == "" {
		r.deny(conn, "token required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.authTimeout)
	defer cancel()
	account, err := r.viewerAuth.VerifyViewerToken(ctx, token)
	if err != nil {
		r.log.Info("viewer admission denied", zap.Error(err))
		r.deny(conn, "invalid token")
		return
	}
	active, err := r.devices.DeviceActive(ctx, cameraID)
	if err != nil || !active {
		r.log.Info("viewer admission denied",
			zap.String("camera_id", cameraID), zap.Error(err))
		r.deny(conn, "unknown or inactive camera")
		return
	}

	v := NewViewerSession(*account, cameraID, conn, r.log)
	r.reg.AddViewer(v)

	greeting := ConnectionEstablished{
		Type:         MsgConnectionEstablished,
		CameraID:     cameraID,
		ClientID:     v.ClientID,
		CameraStatus: StatusOffline,
		Timestamp:    time.Now().UnixMilli(),
	}
	if r.reg.ProducerOnline(cameraID) {
		greeting.CameraStatus = StatusOnline
	}
	if r.pipelines != nil {
		if url, ok := r.pipelines.PlaylistURL(cameraID); ok {
			greeting.HLSURL = url
		}
	}
	v.Enqueue(greeting)

	r.runViewer(v)
}

// ServeNegotiation handles the /webrtc entry point: direct peer negotiation
// sockets keyed by query parameters. type=camera authenticates with the
// camera token; type=mobile identifies itself with a client id.
func (r *Relay) ServeNegotiation(c *gin.Context) {
	peerType := c.Query("type")
	cameraID := c.Query("cameraId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if cameraID == "" {
		r.deny(conn, "cameraId required")
		return
	}

	switch peerType {
	case "camera":
		token := c.Query("token")
		if token == "" {
			r.deny(conn, "token required")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.authTimeout)
		defer cancel()
		if err := r.cameraAuth.VerifyCameraToken(ctx, cameraID, token); err != nil {
			r.deny(conn, "invalid camera credentials")
			return
		}
		peer := r.sig.AddCameraPeer(cameraID, conn)
		r.sig.runPeer(peer)
	case "mobile":
		clientID := c.Query("clientId")
		if clientID == "" {
			r.deny(conn, "clientId required")
			return
		}
		peer := r.sig.AddMobilePeer(cameraID, clientID, conn)
		r.sig.runPeer(peer)
	default:
		r.deny(conn, "type must be camera or mobile")
	}
}
