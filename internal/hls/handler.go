package hls

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/costawatch/backend/pkg/response"
)

// Handler exposes the playlist/segment file surface and pipeline control.
type Handler struct {
	manager       *Manager
	publicBaseURL string
	log           *zap.Logger
}

// NewHandler creates the HLS HTTP handler.
func NewHandler(manager *Manager, publicBaseURL string, log *zap.Logger) *Handler {
	return &Handler{manager: manager, publicBaseURL: publicBaseURL, log: log}
}

// File dispatches the per-camera file surface: the playlist manifest or one
// TS segment.
func (h *Handler) File(c *gin.Context) {
	if c.Param("file") == "playlist.m3u8" {
		h.playlist(c)
		return
	}
	h.segment(c)
}

// playlist serves a camera's manifest with no-cache headers so players always
// fetch the rolling window's current edge.
func (h *Handler) playlist(c *gin.Context) {
	cameraID := c.Param("cameraId")
	path := h.manager.PlaylistPath(cameraID)
	if _, err := os.Stat(path); err != nil {
		response.NotFound(c, "playlist not available for camera "+cameraID)
		return
	}
	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.Header("Cache-Control", "no-cache")
	c.File(path)
}

// segment serves one TS segment from the camera's rolling window.
func (h *Handler) segment(c *gin.Context) {
	cameraID := c.Param("cameraId")
	segment := filepath.Base(c.Param("file")) // no traversal
	if !strings.HasSuffix(segment, ".ts") {
		response.NotFound(c, "segment not found")
		return
	}
	path := h.manager.SegmentPath(cameraID, segment)
	if _, err := os.Stat(path); err != nil {
		response.NotFound(c, "segment not found")
		return
	}
	c.Header("Content-Type", "video/MP2T")
	c.Header("Cache-Control", "no-cache")
	c.File(path)
}

// ListStreams returns every live pipeline with its playlist URL.
func (h *Handler) ListStreams(c *gin.Context) {
	streams := h.manager.ActiveStreams()
	type entry struct {
		CameraID    string `json:"cameraId"`
		PlaylistURL string `json:"playlistUrl"`
		StartedAt   int64  `json:"startTime"`
		DurationMS  int64  `json:"duration"`
		Status      string `json:"status"`
	}
	out := make([]entry, 0, len(streams))
	for _, s := range streams {
		out = append(out, entry{
			CameraID:    s.CameraID,
			PlaylistURL: "/hls/" + s.CameraID + "/playlist.m3u8",
			StartedAt:   s.StartedAt.UnixMilli(),
			DurationMS:  time.Since(s.StartedAt).Milliseconds(),
			Status:      s.State,
		})
	}
	c.JSON(http.StatusOK, gin.H{"streams": out, "total": len(out)})
}

// Info returns one pipeline's counters and on-disk segment count.
func (h *Handler) Info(c *gin.Context) {
	cameraID := c.Param("cameraId")
	info, ok := h.manager.Info(cameraID)
	if !ok {
		response.NotFound(c, "no active stream for camera "+cameraID)
		return
	}
	response.OK(c, info)
}

// URL returns the absolute playlist URL for standard players.
func (h *Handler) URL(c *gin.Context) {
	cameraID := c.Param("cameraId")
	rel, ok := h.manager.PlaylistURL(cameraID)
	if !ok {
		response.NotFound(c, "no active stream for camera "+cameraID)
		return
	}
	base := h.publicBaseURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	response.OK(c, gin.H{
		"cameraId":    cameraID,
		"playlistUrl": base + rel,
		"status":      "active",
	})
}

// Start launches a pipeline manually (operator action).
func (h *Handler) Start(c *gin.Context) {
	cameraID := c.Param("cameraId")
	if err := h.manager.Start(cameraID); err != nil {
		h.log.Error("manual pipeline start failed",
			zap.String("camera_id", cameraID), zap.Error(err))
		response.Internal(c, "failed to start stream")
		return
	}
	response.OK(c, gin.H{
		"cameraId":    cameraID,
		"playlistUrl": "/hls/" + cameraID + "/playlist.m3u8",
	})
}

// Stop tears a pipeline down manually (operator action).
func (h *Handler) Stop(c *gin.Context) {
	cameraID := c.Param("cameraId")
	h.manager.Stop(cameraID)
	response.OK(c, gin.H{"cameraId": cameraID, "stopped": true})
}
