package relay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// runProducer drives one camera socket until it closes or errors. Binary
// frames are opaque media chunks; text frames are control messages. Teardown
// always releases the registry entry, the pipeline and any pending offer.
func (r *Relay) runProducer(p *ProducerSession) {
	defer func() {
		r.sig.ClearCamera(p.CameraID)
		r.reg.RemoveProducer(p)
	}()

	go runWritePump(p.conn, p.send)

	p.conn.SetReadLimit(producerReadLimit)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.BinaryMessage:
			r.handleFrame(p, data)
		case websocket.TextMessage:
			r.handleProducerMessage(p, data)
		}
	}
}

// handleFrame forwards one media chunk to subscribed viewers and the
// transcoding pipeline. Pipeline rejections (backpressure, invalid chunk,
// stopped pipeline) never disturb the producer connection.
func (r *Relay) handleFrame(p *ProducerSession, chunk []byte) {
	r.reg.Fanout(p.CameraID, chunk)
	if r.pipelines == nil {
		return
	}
	if err := r.pipelines.Write(p.CameraID, chunk); err != nil {
		r.log.Debug("pipeline write rejected",
			zap.String("camera_id", p.CameraID), zap.Error(err))
	}
}

func (r *Relay) handleProducerMessage(p *ProducerSession, data []byte) {
	var msg producerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Debug("malformed producer message",
			zap.String("camera_id", p.CameraID), zap.Error(err))
		return
	}

	switch msg.Type {
	case MsgHeartbeat:
		p.TouchHeartbeat()
		p.Enqueue(heartbeatAck{Type: MsgHeartbeatAck, Timestamp: time.Now().UnixMilli()})
	case MsgOffer:
		r.sig.HandleProducerOffer(p.CameraID, msg.SDP)
	case MsgAnswer, MsgCandidate:
		// Targeted at one viewer by client id.
		r.sig.RelayToViewer(p.CameraID, msg.ClientID, msg.Type, msg.SDP, msg.Candidate)
	default:
		r.log.Debug("unknown producer message",
			zap.String("camera_id", p.CameraID), zap.String("type", msg.Type))
	}
}
