package status

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/costawatch/backend/internal/hls"
	"github.com/costawatch/backend/internal/relay"
	"github.com/costawatch/backend/pkg/response"
)

// DeviceStore is the directory slice the status surface needs: the relay's
// own directory view plus aggregate counts for /stats.
type DeviceStore interface {
	relay.DeviceDirectory
	CountByState(ctx context.Context) (active, inactive int, err error)
}

// Handler serves the operator-facing /api/stream endpoints: connection
// counts, per-device online state and relay statistics.
type Handler struct {
	registry   *relay.Registry
	manager    *hls.Manager
	devices    DeviceStore
	cameraAuth relay.CameraAuthenticator
	startedAt  time.Time
	log        *zap.Logger
}

// NewHandler creates the status handler.
func NewHandler(registry *relay.Registry, manager *hls.Manager, devices DeviceStore, cameraAuth relay.CameraAuthenticator, log *zap.Logger) *Handler {
	return &Handler{
		registry:   registry,
		manager:    manager,
		devices:    devices,
		cameraAuth: cameraAuth,
		startedAt:  time.Now(),
		log:        log,
	}
}

// Info returns the endpoint discovery document.
func (h *Handler) Info(c *gin.Context) {
	host := c.Request.Host
	c.JSON(http.StatusOK, gin.H{
		"streaming": true,
		"endpoints": gin.H{
			"websocket_stream": "ws://" + host + "/stream",
			"websocket_mobile": "ws://" + host + "/mobile",
			"websocket_webrtc": "ws://" + host + "/webrtc",
			"status":           "/api/stream/status",
			"cameras":          "/api/stream/cameras",
			"verify_token":     "/api/stream/verify-camera-token",
		},
	})
}

// Status reports every live producer and viewer session.
func (h *Handler) Status(c *gin.Context) {
	producers := h.registry.Producers()
	viewers := h.registry.Viewers()

	cameras := make(map[string]gin.H, len(producers))
	for _, p := range producers {
		cameras[p.CameraID] = gin.H{
			"connected":     true,
			"sessionId":     p.SessionID,
			"connectedAt":   p.ConnectedAt,
			"lastHeartbeat": p.LastHeartbeat,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":                 "running",
		"connectedCameras":       len(producers),
		"connectedMobileClients": len(viewers),
		"cameras":                cameras,
		"mobileClients":          viewers,
		"timestamp":              time.Now().UTC(),
	})
}

// Cameras returns the device directory annotated with live/online and
// segment-availability flags.
func (h *Handler) Cameras(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	devices, err := h.devices.ListDevices(ctx)
	if err != nil {
		h.log.Error("device directory listing failed", zap.Error(err))
		response.Internal(c, "failed to list cameras")
		return
	}

	type entry struct {
		CameraID     string    `json:"cameraId"`
		Model        string    `json:"model,omitempty"`
		Vendor       string    `json:"vendor,omitempty"`
		State        string    `json:"state"`
		Online       bool      `json:"online"`
		HLSAvailable bool      `json:"hlsAvailable"`
		HLSURL       string    `json:"hlsUrl,omitempty"`
		CreatedAt    time.Time `json:"createdAt"`
	}
	out := make([]entry, 0, len(devices))
	for _, d := range devices {
		e := entry{
			CameraID:  d.CameraID,
			Model:     d.Model,
			Vendor:    d.Vendor,
			State:     d.State,
			Online:    h.registry.ProducerOnline(d.CameraID),
			CreatedAt: d.CreatedAt,
		}
		if url, ok := h.manager.PlaylistURL(d.CameraID); ok {
			e.HLSAvailable = true
			e.HLSURL = url
		}
		out = append(out, e)
	}
	c.JSON(http.StatusOK, gin.H{"cameras": out, "total": len(out)})
}

// Stats reports relay counters, pipeline state and directory totals.
func (h *Handler) Stats(c *gin.Context) {
	producers, viewers := h.registry.Counts()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	active, inactive, err := h.devices.CountByState(ctx)
	if err != nil {
		h.log.Warn("device count failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"streaming": gin.H{
			"connected_cameras": producers,
			"connected_clients": viewers,
			"uptime_seconds":    int(time.Since(h.startedAt).Seconds()),
		},
		"pipelines": h.manager.ActiveStreams(),
		"database": gin.H{
			"total_cameras":    active + inactive,
			"cameras_active":   active,
			"cameras_inactive": inactive,
		},
		"timestamp": time.Now().UTC(),
	})
}

type verifyRequest struct {
	Token    string `json:"token" binding:"required"`
	CameraID string `json:"cameraId" binding:"required"`
}

// VerifyCameraToken checks a camera credential without opening a stream.
func (h *Handler) VerifyCameraToken(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "message": "token and cameraId required"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := h.cameraAuth.VerifyCameraToken(ctx, req.CameraID, req.Token); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false, "message": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "message": "token valid"})
}
