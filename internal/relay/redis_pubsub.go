package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	statusChannel  = "relay:camera_status"
	publishTimeout = 5 * time.Second
)

// statusEvent is the wire form of a camera transition on the Redis channel.
type statusEvent struct {
	Origin   string `json:"origin"`
	CameraID string `json:"cameraId"`
	Status   string `json:"status"`
	At       int64  `json:"at"`
}

// StatusBridge fans camera status transitions across relay instances through
// Redis pub/sub. Each instance tags events with its own id and ignores its
// own on the way back in, since local delivery already happened.
type StatusBridge struct {
	client     *redis.Client
	instanceID string
	log        *zap.Logger
}

// NewStatusBridge creates the cross-instance status bridge.
func NewStatusBridge(client *redis.Client, log *zap.Logger) *StatusBridge {
	return &StatusBridge{
		client:     client,
		instanceID: uuid.New().String(),
		log:        log,
	}
}

// PublishStatus implements StatusPublisher.
func (b *StatusBridge) PublishStatus(cameraID, status string) error {
	body, err := json.Marshal(statusEvent{
		Origin:   b.instanceID,
		CameraID: cameraID,
		Status:   status,
		At:       time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, statusChannel, body).Err()
}

// Run subscribes to the status channel and re-broadcasts remote transitions
// to local viewers. Blocks until ctx is cancelled.
func (b *StatusBridge) Run(ctx context.Context, reg *Registry) error {
	pubsub := b.client.Subscribe(ctx, statusChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev statusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Debug("malformed status event", zap.Error(err))
				continue
			}
			if ev.Origin == b.instanceID {
				continue
			}
			reg.broadcastStatusLocal(ev.CameraID, ev.Status)
		}
	}
}
