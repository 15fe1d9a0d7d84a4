package p2p

import (
	"context"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/crypto"
	"github.com/echenim/Bedrock/walletd/internal/finality"
)

// SuperblockFeed delivers superblocks gossiped on TopicSuperblock to the
// finality listener and publishes locally produced ones.
type SuperblockFeed struct {
	host        *Host
	authorities []crypto.PublicKey
	metrics     *Metrics
	logger      *zap.Logger

	seen *SeenCache
	out  chan finality.Superblock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSuperblockFeed creates a feed. When authorities is non-empty, only
// superblocks signed by one of them pass validation.
func NewSuperblockFeed(host *Host, authorities []crypto.PublicKey, logger *zap.Logger) *SuperblockFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := host.metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &SuperblockFeed{
		host:        host,
		authorities: authorities,
		metrics:     metrics,
		logger:      logger,
		seen:        NewSeenCache(DefaultSeenCacheSize),
		out:         make(chan finality.Superblock, 16),
	}
}

// Name implements node.Service.
func (f *SuperblockFeed) Name() string { return "superblock-feed" }

// Superblocks returns the channel of validated superblocks from peers. It
// is closed when the feed stops.
func (f *SuperblockFeed) Superblocks() <-chan finality.Superblock {
	return f.out
}

// Start joins the superblock topic, registers its validator and begins
// forwarding messages.
func (f *SuperblockFeed) Start(ctx context.Context) error {
	gossip := f.host.gossip
	if _, err := gossip.JoinTopic(TopicSuperblock); err != nil {
		return err
	}
	if err := gossip.RegisterSuperblockValidator(f.metrics, f.check); err != nil {
		return fmt.Errorf("p2p: register superblock validator: %w", err)
	}
	sub, err := gossip.Subscribe(TopicSuperblock)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(f.out)
		f.readLoop(ctx, sub)
	}()
	return nil
}

// Stop ends the read loop.
func (f *SuperblockFeed) Stop() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	return nil
}

// Publish gossips sb to the network.
func (f *SuperblockFeed) Publish(ctx context.Context, sb finality.Superblock) error {
	env, err := EncodeMessage(MsgSuperblock, sb)
	if err != nil {
		return err
	}
	f.metrics.MessagesSent.WithLabelValues(MsgSuperblock.String()).Inc()
	return f.host.gossip.Publish(ctx, TopicSuperblock, env.Encode())
}

func (f *SuperblockFeed) check(payload []byte) error {
	sb, err := finality.Decode(payload)
	if err != nil {
		return err
	}
	return sb.VerifySignature(f.authorities)
}

func (f *SuperblockFeed) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("gossip subscription error", zap.Error(err))
			return
		}

		// Skip our own messages.
		if msg.ReceivedFrom == f.host.ID() {
			continue
		}

		env, err := DecodeEnvelope(msg.Data)
		if err != nil {
			continue
		}
		sb, err := finality.Decode(env.Payload)
		if err != nil {
			f.metrics.MessagesRejected.WithLabelValues("decode_error").Inc()
			continue
		}
		f.metrics.MessagesReceived.WithLabelValues(MsgSuperblock.String()).Inc()
		f.host.scoring.RecordValidMessage(msg.ReceivedFrom)

		if !f.seen.Observe(crypto.Hash(env.Payload)) {
			f.metrics.MessagesRejected.WithLabelValues("duplicate").Inc()
			continue
		}

		select {
		case f.out <- sb:
		case <-ctx.Done():
			return
		}
	}
}
