package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// fanoutChannel is the redis pub/sub channel all nodes share.
const fanoutChannel = "beacon:fanout"

// bridgeFrame is the wrapper relayed between nodes, CBOR-encoded to keep
// the relay compact; the payload inside stays the JSON frame delivered to
// clients. NodeID lets a node skip frames it published itself; the local
// hub already delivered those.
type bridgeFrame struct {
	NodeID  string `cbor:"node_id"`
	Room    string `cbor:"room"`
	Payload []byte `cbor:"payload"`
}

// RedisBridge fans room publishes out across nodes through redis pub/sub.
// It wraps a local Hub and implements safety.RoomPublisher: a publish is
// delivered to local room members immediately and relayed to every other
// node, where the remote hub delivers it to members connected there.
type RedisBridge struct {
	hub    *Hub
	rdb    *redis.Client
	nodeID string
	logger *slog.Logger
}

// NewRedisBridge wraps hub with cross-node fan-out.
func NewRedisBridge(hub *Hub, rdb *redis.Client, logger *slog.Logger) *RedisBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		hub:    hub,
		rdb:    rdb,
		nodeID: uuid.New().String(),
		logger: logger,
	}
}

// Publish delivers locally first, then relays. A redis outage degrades to
// single-node delivery rather than failing the event: the event is already
// persisted, and recipients on other nodes catch up through the read path.
func (b *RedisBridge) Publish(room string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.hub.PublishRaw(room, data)

	frame, err := cbor.Marshal(bridgeFrame{NodeID: b.nodeID, Room: room, Payload: data})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(context.Background(), fanoutChannel, frame).Err(); err != nil {
		b.logger.Error("failed to relay frame to other nodes", "room", room, "error", err)
	}
	return nil
}

// Run subscribes to the fan-out channel and delivers relayed frames to the
// local hub until ctx is cancelled. Call it in its own goroutine.
func (b *RedisBridge) Run(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, fanoutChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame bridgeFrame
			if err := cbor.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				b.logger.Warn("discarding malformed relay frame", "error", err)
				continue
			}
			if frame.NodeID == b.nodeID {
				continue
			}
			b.hub.PublishRaw(frame.Room, frame.Payload)
		}
	}
}
