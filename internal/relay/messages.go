package relay

import "encoding/json"

// Message kinds accepted from viewer sockets. Anything outside this set is
// logged and dropped without closing the connection.
const (
	MsgPing          = "ping"
	MsgChangeCamera  = "change_camera"
	MsgListCameras   = "list_cameras"
	MsgRequestStream = "request_stream"
	MsgAnswer        = "answer"
	MsgCandidate     = "candidate"
)

// Message kinds accepted from producer sockets (text frames; binary frames
// carry raw MPEG-TS and bypass JSON decoding entirely).
const (
	MsgHeartbeat = "heartbeat"
	MsgOffer     = "offer"
	// answer/candidate are shared with the viewer set; a producer's copy
	// carries a target clientId.
)

// Message kinds emitted by the relay.
const (
	MsgPong                  = "pong"
	MsgConnectionEstablished = "connection_established"
	MsgCameraChanged         = "camera_changed"
	MsgCameraList            = "camera_list"
	MsgCameraStatus          = "camera_status"
	MsgVideoFrame            = "video_frame"
	MsgHeartbeatAck          = "heartbeat_ack"
	MsgError                 = "error"
)

// Camera status values broadcast to viewers.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// viewerMessage is the decoded form of a viewer text frame. Decoded once at
// the socket boundary; the handler switches on Type over the closed set above.
type viewerMessage struct {
	Type      string          `json:"type"`
	CameraID  string          `json:"cameraId,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// producerMessage is the decoded form of a producer text frame.
type producerMessage struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientId,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// VideoFrame is the envelope wrapping one opaque media chunk on its way to
// viewers. Data marshals to base64 per encoding/json.
type VideoFrame struct {
	Type      string `json:"type"`
	CameraID  string `json:"cameraId"`
	Timestamp int64  `json:"timestamp"`
	Size      int    `json:"size"`
	Data      []byte `json:"data"`
}

// CameraStatus announces a producer's online/offline transition.
type CameraStatus struct {
	Type      string `json:"type"`
	CameraID  string `json:"cameraId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ConnectionEstablished greets a freshly admitted viewer.
type ConnectionEstablished struct {
	Type         string `json:"type"`
	CameraID     string `json:"cameraId"`
	ClientID     string `json:"clientId"`
	CameraStatus string `json:"cameraStatus"`
	HLSURL       string `json:"hlsUrl,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// CameraChanged acknowledges a successful subscription switch.
type CameraChanged struct {
	Type         string `json:"type"`
	CameraID     string `json:"cameraId"`
	CameraStatus string `json:"cameraStatus"`
	HLSURL       string `json:"hlsUrl,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// CameraList returns the device directory annotated with live state.
type CameraList struct {
	Type    string       `json:"type"`
	Cameras []CameraInfo `json:"cameras"`
	Total   int          `json:"total"`
}

// CameraInfo is one directory entry in a CameraList.
type CameraInfo struct {
	CameraID     string `json:"cameraId"`
	Model        string `json:"model,omitempty"`
	Vendor       string `json:"vendor,omitempty"`
	Online       bool   `json:"online"`
	HLSAvailable bool   `json:"hlsAvailable"`
}

// ErrorMessage is sent to viewers for camera-switch failures and
// stream-unavailable conditions. All other failures are logged only.
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// signalPayload is the wire form of relayed negotiation primitives. Payloads
// pass through opaque: the relay never inspects SDP contents.
type signalPayload struct {
	Type      string          `json:"type"`
	CameraID  string          `json:"cameraId"`
	ClientID  string          `json:"clientId,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// pongMessage answers a viewer ping.
type pongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// heartbeatAck answers a producer heartbeat.
type heartbeatAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}
