package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// runViewer drives one viewer socket through its message state machine until
// the socket closes.
func (r *Relay) runViewer(v *ViewerSession) {
	defer r.reg.RemoveViewer(v)

	go runWritePump(v.conn, v.send)

	v.conn.SetReadLimit(viewerReadLimit)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg viewerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Debug("malformed viewer message",
				zap.String("session_id", v.SessionID), zap.Error(err))
			continue
		}
		r.handleViewerMessage(v, msg)
	}
}

func (r *Relay) handleViewerMessage(v *ViewerSession, msg viewerMessage) {
	switch msg.Type {
	case MsgPing:
		v.Enqueue(pongMessage{Type: MsgPong, Timestamp: time.Now().UnixMilli()})
	case MsgChangeCamera:
		r.changeCamera(v, msg.CameraID)
	case MsgListCameras:
		r.listCameras(v)
	case MsgRequestStream:
		if err := r.sig.RequestStream(v.Subscription(), v.ClientID); err != nil {
			v.Enqueue(ErrorMessage{
				Type:      MsgError,
				Message:   "stream unavailable",
				Timestamp: time.Now().UnixMilli(),
			})
		}
	case MsgAnswer, MsgCandidate:
		r.sig.RelayToProducer(v.Subscription(), v.ClientID, msg.Type, msg.SDP, msg.Candidate)
	default:
		r.log.Debug("unknown viewer message",
			zap.String("session_id", v.SessionID), zap.String("type", msg.Type))
	}
}

// changeCamera re-validates the target device before switching the
// subscription. On any failure the prior subscription is left untouched and
// the viewer gets an explicit error reply.
func (r *Relay) changeCamera(v *ViewerSession, cameraID string) {
	fail := func(reason string) {
		v.Enqueue(ErrorMessage{Type: MsgError, Message: reason, Timestamp: time.Now().UnixMilli()})
	}
	if cameraID == "" {
		fail("cameraId required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.authTimeout)
	defer cancel()
	active, err := r.devices.DeviceActive(ctx, cameraID)
	if err != nil || !active {
		r.log.Info("camera switch rejected",
			zap.String("session_id", v.SessionID),
			zap.String("camera_id", cameraID),
			zap.Error(err))
		fail("camera not available: " + cameraID)
		return
	}

	// The directory lookup may outlive the socket; never mutate state for a
	// session that is already gone.
	if !r.reg.HasViewer(v.SessionID) {
		return
	}
	r.reg.UpdateSubscription(v.SessionID, cameraID)

	status := StatusOffline
	if r.reg.ProducerOnline(cameraID) {
		status = StatusOnline
	}
	reply := CameraChanged{
		Type:         MsgCameraChanged,
		CameraID:     cameraID,
		CameraStatus: status,
		Timestamp:    time.Now().UnixMilli(),
	}
	if r.pipelines != nil {
		if url, ok := r.pipelines.PlaylistURL(cameraID); ok {
			reply.HLSURL = url
		}
	}
	v.Enqueue(reply)
	r.log.Debug("camera switched",
		zap.String("session_id", v.SessionID), zap.String("camera_id", cameraID))
}

// listCameras returns the device directory annotated with this relay's live
// state. Directory failures are logged only.
func (r *Relay) listCameras(v *ViewerSession) {
	ctx, cancel := context.WithTimeout(context.Background(), r.authTimeout)
	defer cancel()
	devices, err := r.devices.ListDevices(ctx)
	if err != nil {
		r.log.Warn("device directory listing failed", zap.Error(err))
		return
	}

	list := CameraList{Type: MsgCameraList, Cameras: make([]CameraInfo, 0, len(devices))}
	for _, d := range devices {
		info := CameraInfo{
			CameraID: d.CameraID,
			Model:    d.Model,
			Vendor:   d.Vendor,
			Online:   r.reg.ProducerOnline(d.CameraID),
		}
		if r.pipelines != nil {
			_, info.HLSAvailable = r.pipelines.PlaylistURL(d.CameraID)
		}
		list.Cameras = append(list.Cameras, info)
	}
	list.Total = len(list.Cameras)
	v.Enqueue(list)
}
