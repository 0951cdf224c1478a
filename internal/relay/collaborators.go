package relay

import (
	"context"
	"errors"
	"time"
)

// Collaborator errors surfaced during admission. All of them close the socket
// with the policy-violation code; no session state is created.
var (
	ErrBadCredentials = errors.New("invalid credentials")
	ErrUnknownDevice  = errors.New("unknown or inactive device")
)

// Account identifies an authenticated viewer.
type Account struct {
	ID   string
	Name string
	Role string
}

// Device is one entry of the external device directory.
type Device struct {
	CameraID  string
	Model     string
	Vendor    string
	State     string
	URL       string
	CreatedAt time.Time
}

// CameraAuthenticator verifies that a producer token is bound to a device id.
type CameraAuthenticator interface {
	VerifyCameraToken(ctx context.Context, cameraID, token string) error
}

// ViewerAuthenticator verifies a viewer bearer token and resolves its account.
type ViewerAuthenticator interface {
	VerifyViewerToken(ctx context.Context, token string) (*Account, error)
}

// DeviceDirectory exposes the external device store: existence/active checks
// and the directory listing used by list_cameras.
type DeviceDirectory interface {
	DeviceActive(ctx context.Context, cameraID string) (bool, error)
	ListDevices(ctx context.Context) ([]Device, error)
}

// PipelineController is the slice of the transcoding manager the registry
// drives: started on producer admission, stopped on teardown, fed per chunk.
type PipelineController interface {
	Start(cameraID string) error
	Stop(cameraID string)
	Write(cameraID string, chunk []byte) error
	PlaylistURL(cameraID string) (string, bool)
}

// StatusPublisher pushes camera status transitions to peer relay instances.
type StatusPublisher interface {
	PublishStatus(cameraID, status string) error
}
