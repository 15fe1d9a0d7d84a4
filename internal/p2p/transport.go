package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	walletsync "github.com/echenim/Bedrock/walletd/internal/sync"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// Compile-time check that SyncTransport implements sync.BlockProvider.
var _ walletsync.BlockProvider = (*SyncTransport)(nil)

// defaultRequestTimeout bounds one request/response exchange.
const defaultRequestTimeout = 10 * time.Second

// ChainSource is the local data a node serves to syncing peers.
type ChainSource interface {
	// Tip returns the newest block known locally, or false if none.
	Tip() (types.CheckpointBeacon, bool)
	// Blocks returns up to limit consecutive blocks starting at from.
	Blocks(from uint32, limit int) []types.BlockUpdate
}

// SyncTransport carries the sync protocol over libp2p streams. The client
// side implements sync.BlockProvider; the server side answers requests from
// a ChainSource.
type SyncTransport struct {
	host    *Host
	source  ChainSource
	timeout time.Duration
	metrics *Metrics
	logger  *zap.Logger
}

// NewSyncTransport creates a transport. source may be nil, in which case
// the node does not serve peers.
func NewSyncTransport(host *Host, source ChainSource, timeout time.Duration, logger *zap.Logger) *SyncTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := host.metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &SyncTransport{
		host:    host,
		source:  source,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Name implements node.Service.
func (t *SyncTransport) Name() string { return "sync-transport" }

// Start installs the stream handler when a ChainSource is configured.
func (t *SyncTransport) Start(ctx context.Context) error {
	if t.source == nil {
		return nil
	}
	t.host.host.SetStreamHandler(ProtocolSync, t.handleStream)
	return nil
}

// Stop removes the stream handler.
func (t *SyncTransport) Stop() error {
	t.host.host.RemoveStreamHandler(ProtocolSync)
	return nil
}

// Peers returns the connected, non-banned peers, best score first.
func (t *SyncTransport) Peers() []peer.ID {
	return t.host.peerMgr.SyncPeers()
}

// GetTip asks p for its current tip.
func (t *SyncTransport) GetTip(ctx context.Context, p peer.ID) (types.CheckpointBeacon, error) {
	var resp TipResponse
	if err := t.request(ctx, p, MsgTipRequest, struct{}{}, MsgTipResponse, &resp); err != nil {
		return types.CheckpointBeacon{}, err
	}
	if !resp.Known {
		return types.CheckpointBeacon{}, fmt.Errorf("p2p: peer %s has no tip", p)
	}
	t.host.peerMgr.RecordTip(p, resp.Tip)
	return resp.Tip, nil
}

// GetBlocks asks p for up to limit blocks starting at fromEpoch.
func (t *SyncTransport) GetBlocks(ctx context.Context, p peer.ID, fromEpoch uint32, limit int) ([]types.BlockUpdate, error) {
	if limit <= 0 || limit > MaxBlocksPerRequest {
		limit = MaxBlocksPerRequest
	}
	var resp BlocksResponse
	req := BlocksRequest{From: fromEpoch, Limit: limit}
	if err := t.request(ctx, p, MsgBlocksRequest, req, MsgBlocksResponse, &resp); err != nil {
		return nil, err
	}
	if len(resp.Blocks) > limit {
		return nil, fmt.Errorf("p2p: peer %s sent %d blocks, asked for %d", p, len(resp.Blocks), limit)
	}
	return resp.Blocks, nil
}

func (t *SyncTransport) request(ctx context.Context, p peer.ID, mt MessageType, body any, want MessageType, out any) error {
	start := time.Now()
	defer func() {
		t.metrics.RequestDuration.WithLabelValues(mt.String()).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	env, err := EncodeMessage(mt, body)
	if err != nil {
		return err
	}

	s, err := t.host.host.NewStream(ctx, p, ProtocolSync)
	if err != nil {
		return fmt.Errorf("p2p: open stream to %s: %w", p, err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := WriteFrame(s, env); err != nil {
		s.Reset()
		return fmt.Errorf("p2p: write %s: %w", mt, err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return fmt.Errorf("p2p: close write: %w", err)
	}
	t.metrics.MessagesSent.WithLabelValues(mt.String()).Inc()

	resp, err := ReadFrame(s)
	if err != nil {
		s.Reset()
		return fmt.Errorf("p2p: read %s: %w", want, err)
	}
	t.metrics.MessagesReceived.WithLabelValues(resp.Type.String()).Inc()
	return DecodePayload(resp, want, out)
}

func (t *SyncTransport) handleStream(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer()
	_ = s.SetDeadline(time.Now().Add(t.timeout))

	if t.host.scoring.IsBanned(from) {
		t.metrics.MessagesRejected.WithLabelValues("banned").Inc()
		s.Reset()
		return
	}

	req, err := ReadFrame(s)
	if err != nil {
		t.metrics.MessagesRejected.WithLabelValues("decode_error").Inc()
		t.host.scoring.RecordInvalidMessage(from, "malformed sync request")
		s.Reset()
		return
	}
	t.metrics.MessagesReceived.WithLabelValues(req.Type.String()).Inc()

	if !t.host.rateLimiter.Allow(from, req.Type) {
		t.metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
		t.reply(s, MsgError, ErrorResponse{Message: "rate limited"})
		return
	}

	mt, body, err := t.serve(req)
	if err != nil {
		t.metrics.MessagesRejected.WithLabelValues("bad_request").Inc()
		t.host.scoring.RecordInvalidMessage(from, err.Error())
		mt, body = MsgError, ErrorResponse{Message: err.Error()}
	}
	t.reply(s, mt, body)
}

func (t *SyncTransport) serve(req *Envelope) (MessageType, any, error) {
	switch req.Type {
	case MsgTipRequest:
		tip, ok := t.source.Tip()
		return MsgTipResponse, TipResponse{Tip: tip, Known: ok}, nil

	case MsgBlocksRequest:
		var br BlocksRequest
		if err := DecodePayload(req, MsgBlocksRequest, &br); err != nil {
			return 0, nil, err
		}
		if br.Limit <= 0 || br.Limit > MaxBlocksPerRequest {
			br.Limit = MaxBlocksPerRequest
		}
		blocks := t.source.Blocks(br.From, br.Limit)
		if blocks == nil {
			blocks = []types.BlockUpdate{}
		}
		t.metrics.BlocksServed.Add(float64(len(blocks)))
		return MsgBlocksResponse, BlocksResponse{Blocks: blocks}, nil

	default:
		return 0, nil, errors.New("unsupported request " + req.Type.String())
	}
}

func (t *SyncTransport) reply(s network.Stream, mt MessageType, body any) {
	env, err := EncodeMessage(mt, body)
	if err != nil {
		t.logger.Error("encode sync response", zap.Error(err))
		s.Reset()
		return
	}
	if err := WriteFrame(s, env); err != nil {
		t.logger.Debug("write sync response",
			zap.String("peer", s.Conn().RemotePeer().String()),
			zap.Error(err),
		)
		s.Reset()
		return
	}
	t.metrics.MessagesSent.WithLabelValues(mt.String()).Inc()
}
