package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/p2p"
	"github.com/echenim/Bedrock/walletd/internal/reconcile"
	walletsync "github.com/echenim/Bedrock/walletd/internal/sync"
)

// WalletSource exposes the account view.
type WalletSource interface {
	View() *reconcile.View
}

// SyncSource exposes the latest sync round.
type SyncSource interface {
	Status() walletsync.Status
}

// Server provides admin/debug endpoints.
// These are intended for operators, not exposed publicly.
type Server struct {
	httpServer *fasthttp.Server
	addr       string
	wallet     WalletSource
	syncer     SyncSource
	peers      *p2p.PeerManager
	scoring    *p2p.PeerScoring
	logger     *zap.Logger
	lis        net.Listener
	done       chan struct{}
}

// Config holds the sources the admin endpoints report on. Any of them may
// be nil; the matching endpoint then reports available=false.
type Config struct {
	Addr    string
	Wallet  WalletSource
	Syncer  SyncSource
	Peers   *p2p.PeerManager
	Scoring *p2p.PeerScoring
	Logger  *zap.Logger
}

// NewServer creates an admin debug server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		addr:    cfg.Addr,
		wallet:  cfg.Wallet,
		syncer:  cfg.Syncer,
		peers:   cfg.Peers,
		scoring: cfg.Scoring,
		logger:  cfg.Logger,
	}

	s.httpServer = &fasthttp.Server{
		Name:         "walletd-admin",
		Handler:      s.route,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return s
}

// Start begins serving admin endpoints.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.lis, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", s.addr, err)
	}

	s.logger.Info("admin server starting", zap.String("addr", s.lis.Addr().String()))

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(s.lis); err != nil {
			s.logger.Error("admin server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts down the admin server and waits for open requests.
func (s *Server) Stop() error {
	if s.lis == nil {
		return nil
	}
	err := s.httpServer.Shutdown()
	<-s.done
	return err
}

// Name returns the service name.
func (s *Server) Name() string {
	return "admin"
}

// Addr returns the actual address the server is listening on.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.addr
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	switch string(ctx.Path()) {
	case "/admin/wallet":
		s.handleWallet(ctx)
	case "/admin/pending":
		s.handlePending(ctx)
	case "/admin/utxos":
		s.handleUtxos(ctx)
	case "/admin/sync":
		s.handleSync(ctx)
	case "/admin/peers":
		s.handlePeers(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) handleWallet(ctx *fasthttp.RequestCtx) {
	result := map[string]any{
		"available": s.wallet != nil,
	}

	if s.wallet != nil {
		v := s.wallet.View()
		result["account"] = v.Confirmed.Account
		result["name"] = v.Confirmed.Name
		result["balance"] = v.Balance()
		result["confirmed_balance"] = v.ConfirmedBalance()
		result["last_confirmed"] = v.LastConfirmed()
		result["last_sync"] = v.LastSync
		result["next_external_index"] = v.Effective.NextExternalIndex
		result["next_internal_index"] = v.Effective.NextInternalIndex
		result["utxos"] = len(v.Effective.UtxoSet)
		result["pending_blocks"] = len(v.Pending)
		result["halted"] = v.Halted
	}

	writeJSON(ctx, result)
}

func (s *Server) handlePending(ctx *fasthttp.RequestCtx) {
	result := map[string]any{
		"available": s.wallet != nil,
	}

	if s.wallet != nil {
		result["blocks"] = s.wallet.View().Pending
	}

	writeJSON(ctx, result)
}

func (s *Server) handleUtxos(ctx *fasthttp.RequestCtx) {
	result := map[string]any{
		"available": s.wallet != nil,
	}

	if s.wallet != nil {
		v := s.wallet.View()
		result["confirmed"] = map[string]any{
			"total":   v.Confirmed.UtxoSet.Total(),
			"outputs": v.Confirmed.UtxoSet.Sorted(),
		}
		result["effective"] = map[string]any{
			"total":   v.Effective.UtxoSet.Total(),
			"outputs": v.Effective.UtxoSet.Sorted(),
		}
	}

	writeJSON(ctx, result)
}

func (s *Server) handleSync(ctx *fasthttp.RequestCtx) {
	result := map[string]any{
		"available": s.syncer != nil,
	}

	if s.syncer != nil {
		st := s.syncer.Status()
		result["state"] = st.StateName
		result["synced"] = st.State == walletsync.SyncCaughtUp
		result["target"] = st.Target
		result["session"] = st.Session
		result["last_round"] = st.LastRound
	}

	writeJSON(ctx, result)
}

type peerEntry struct {
	ID          string    `json:"id"`
	Direction   string    `json:"direction"`
	ConnectedAt time.Time `json:"connected_at"`
	LastTip     string    `json:"last_tip,omitempty"`
	Score       float64   `json:"score"`
}

func (s *Server) handlePeers(ctx *fasthttp.RequestCtx) {
	result := map[string]any{
		"available": s.peers != nil,
	}

	if s.peers != nil {
		scores := make(map[string]float64)
		if s.scoring != nil {
			snapshot := s.scoring.Snapshot()
			for _, sc := range snapshot {
				scores[sc.ID.String()] = sc.Score
			}
			result["banned"] = s.scoring.BannedCount()
			result["scores"] = snapshot
		}

		infos := s.peers.Peers()
		entries := make([]peerEntry, 0, len(infos))
		for _, info := range infos {
			e := peerEntry{
				ID:          info.ID.String(),
				Direction:   info.Direction.String(),
				ConnectedAt: info.ConnectedAt,
				Score:       scores[info.ID.String()],
			}
			if !info.LastTipAt.IsZero() {
				e.LastTip = info.LastTip.String()
			}
			entries = append(entries, e)
		}
		result["count"] = len(entries)
		result["outbound"] = s.peers.OutboundCount()
		result["peers"] = entries
	}

	writeJSON(ctx, result)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.Error("encoding error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
