package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/charlesng35/gpubroker/internal/cache"
	"github.com/charlesng35/gpubroker/pkg/logger"
)

const (
	presencePrefix  = "presence:"
	replicaChannel  = "signaling:replica:"
	presenceTTLMult = 3
)

// busMessage is the frame forwarded between replicas.
type busMessage struct {
	Role     Role     `json:"role"`
	ID       string   `json:"id"`
	Envelope Envelope `json:"envelope"`
}

// Bus lets several broker replicas share signaling peers. Each replica records
// the peers it holds under presence keys and listens on its own channel;
// sends for a peer held elsewhere are published to the owning replica.
type Bus struct {
	client    *cache.RedisClient
	hub       *Hub
	replicaID string
	ttl       time.Duration
	log       *zap.Logger
}

// NewBus attaches a Redis-backed bus to hub.
func NewBus(client *cache.RedisClient, hub *Hub, replicaID string) (*Bus, error) {
	if client == nil {
		return nil, errors.New("signaling bus: redis client is required")
	}
	if hub == nil {
		return nil, errors.New("signaling bus: hub is required")
	}
	if replicaID == "" {
		return nil, errors.New("signaling bus: replica id is required")
	}
	bus := &Bus{
		client:    client,
		hub:       hub,
		replicaID: replicaID,
		ttl:       hub.pongWait * presenceTTLMult,
		log:       logger.WithModule("signaling.bus"),
	}
	hub.SetBus(bus)
	return bus, nil
}

func presenceKey(peer Peer) string {
	return presencePrefix + string(peer.Role) + ":" + peer.ID
}

// Claim records this replica as the owner of peer.
func (b *Bus) Claim(ctx context.Context, peer Peer) {
	if err := b.client.Set(ctx, presenceKey(peer), []byte(b.replicaID), b.ttl); err != nil {
		b.log.Warn("presence claim failed", zap.String("peer", peer.String()), zap.Error(err))
	}
}

// Refresh extends the presence key of a live peer.
func (b *Bus) Refresh(ctx context.Context, peer Peer) {
	b.Claim(ctx, peer)
}

// Release drops the presence key if this replica still owns it.
func (b *Bus) Release(ctx context.Context, peer Peer) {
	owner, ok, err := b.client.Get(ctx, presenceKey(peer))
	if err != nil || !ok || string(owner) != b.replicaID {
		return
	}
	if err := b.client.Delete(ctx, presenceKey(peer)); err != nil {
		b.log.Warn("presence release failed", zap.String("peer", peer.String()), zap.Error(err))
	}
}

// Forward publishes env to the replica that owns peer.
func (b *Bus) Forward(ctx context.Context, peer Peer, env Envelope) error {
	owner, ok, err := b.client.Get(ctx, presenceKey(peer))
	if err != nil {
		return fmt.Errorf("signaling bus: lookup presence: %w", err)
	}
	if !ok || string(owner) == b.replicaID {
		return ErrPeerNotConnected
	}

	payload, err := json.Marshal(busMessage{Role: peer.Role, ID: peer.ID, Envelope: env})
	if err != nil {
		return fmt.Errorf("signaling bus: encode: %w", err)
	}
	if err := b.client.Publish(ctx, replicaChannel+string(owner), payload); err != nil {
		return fmt.Errorf("signaling bus: publish: %w", err)
	}
	return nil
}

// Run delivers messages published to this replica until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, replicaChannel+b.replicaID)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("signaling bus: subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bus) handle(ctx context.Context, msg *redis.Message) {
	var frame busMessage
	if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
		b.log.Warn("invalid bus frame", zap.Error(err))
		return
	}
	peer := Peer{Role: frame.Role, ID: frame.ID}
	if err := b.hub.deliverLocal(ctx, peer, frame.Envelope); err != nil {
		b.log.Warn("bus delivery failed",
			zap.String("peer", peer.String()),
			zap.String("type", string(frame.Envelope.Type)),
			zap.Error(err),
		)
	}
}
