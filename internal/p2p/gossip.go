package p2p

import (
	"context"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// TopicSuperblock carries finality notifications.
const TopicSuperblock = "/walletd/superblock/v1"

// GossipManager manages GossipSub topics and subscriptions.
type GossipManager struct {
	ps          *pubsub.PubSub
	host        host.Host
	scoring     *PeerScoring
	rateLimiter *RateLimiter
	logger      *zap.Logger

	mu     sync.RWMutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
}

// NewGossipManager creates a GossipSub instance with integrated peer scoring
// and flood publishing so that superblocks reach every wallet promptly.
func NewGossipManager(ctx context.Context, h host.Host, scoring *PeerScoring, rateLimiter *RateLimiter, logger *zap.Logger) (*GossipManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []pubsub.Option{
		pubsub.WithFloodPublish(true),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
	}

	ps, err := pubsub.NewGossipSub(ctx, h, opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}

	gm := &GossipManager{
		ps:          ps,
		host:        h,
		scoring:     scoring,
		rateLimiter: rateLimiter,
		logger:      logger,
		topics:      make(map[string]*pubsub.Topic),
		subs:        make(map[string]*pubsub.Subscription),
	}

	return gm, nil
}

// JoinTopic joins a GossipSub topic and stores the handle.
func (gm *GossipManager) JoinTopic(topicName string) (*pubsub.Topic, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if t, ok := gm.topics[topicName]; ok {
		return t, nil
	}

	topic, err := gm.ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("p2p: join topic %s: %w", topicName, err)
	}

	gm.topics[topicName] = topic
	return topic, nil
}

// Subscribe subscribes to a topic and returns the subscription.
func (gm *GossipManager) Subscribe(topicName string) (*pubsub.Subscription, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if sub, ok := gm.subs[topicName]; ok {
		return sub, nil
	}

	topic, ok := gm.topics[topicName]
	if !ok {
		return nil, fmt.Errorf("p2p: topic %s not joined", topicName)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("p2p: subscribe to %s: %w", topicName, err)
	}

	gm.subs[topicName] = sub
	return sub, nil
}

// Publish publishes data to the named topic.
func (gm *GossipManager) Publish(ctx context.Context, topicName string, data []byte) error {
	gm.mu.RLock()
	topic, ok := gm.topics[topicName]
	gm.mu.RUnlock()

	if !ok {
		return fmt.Errorf("p2p: topic %s not joined", topicName)
	}

	return topic.Publish(ctx, data)
}

// RegisterSuperblockValidator registers the GossipSub validator for the
// superblock topic. Cheap checks run first: ban, size, type byte and rate
// limit. check then decodes and verifies the payload; a failure costs the
// sender reputation.
func (gm *GossipManager) RegisterSuperblockValidator(metrics *Metrics, check func(payload []byte) error) error {
	if metrics == nil {
		metrics = NopMetrics()
	}
	reject := func(from peer.ID, reason string) pubsub.ValidationResult {
		metrics.MessagesRejected.WithLabelValues(reason).Inc()
		if gm.scoring != nil {
			gm.scoring.RecordInvalidMessage(from, reason)
		}
		return pubsub.ValidationReject
	}

	return gm.ps.RegisterTopicValidator(TopicSuperblock, func(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
		// Our own publications are trusted.
		if from == gm.host.ID() {
			return pubsub.ValidationAccept
		}
		if gm.scoring != nil && gm.scoring.IsBanned(from) {
			metrics.MessagesRejected.WithLabelValues("banned").Inc()
			return pubsub.ValidationReject
		}

		env, err := DecodeEnvelope(msg.Data)
		if err != nil {
			return reject(from, "oversize_message")
		}
		if env.Type != MsgSuperblock {
			return reject(from, "unexpected_type")
		}

		if gm.rateLimiter != nil && !gm.rateLimiter.Allow(from, env.Type) {
			metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
			return pubsub.ValidationIgnore
		}

		if check != nil {
			if err := check(env.Payload); err != nil {
				gm.logger.Debug("rejected superblock",
					zap.String("peer", from.String()),
					zap.Error(err),
				)
				return reject(from, "invalid_superblock")
			}
		}
		return pubsub.ValidationAccept
	})
}

// Close closes all subscriptions and topics.
func (gm *GossipManager) Close() {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for name, sub := range gm.subs {
		sub.Cancel()
		delete(gm.subs, name)
	}
	for name, topic := range gm.topics {
		topic.Close()
		delete(gm.topics, name)
	}
}
