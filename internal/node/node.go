package node

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/admin"
	"github.com/echenim/Bedrock/walletd/internal/config"
	"github.com/echenim/Bedrock/walletd/internal/crypto"
	"github.com/echenim/Bedrock/walletd/internal/finality"
	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/p2p"
	"github.com/echenim/Bedrock/walletd/internal/reconcile"
	"github.com/echenim/Bedrock/walletd/internal/rpc"
	"github.com/echenim/Bedrock/walletd/internal/storage"
	walletsync "github.com/echenim/Bedrock/walletd/internal/sync"
	"github.com/echenim/Bedrock/walletd/internal/telemetry"
	"github.com/echenim/Bedrock/walletd/internal/types"
	"github.com/echenim/Bedrock/walletd/internal/wallet"
)

// Node is the top-level walletd process that owns and manages all subsystems.
type Node struct {
	cfg     *config.Config
	genesis *config.GenesisDoc
	nodeID  string

	// Subsystems.
	store       storage.LedgerStore
	worker      *wallet.Worker
	host        *p2p.Host
	relay       *p2p.BlockCache
	transport   *p2p.SyncTransport
	feed        *p2p.SuperblockFeed
	syncer      *walletsync.Syncer
	listener    *finality.Listener
	rpcServer   *rpc.Server
	gateway     *rpc.Gateway
	adminServer *admin.Server
	metrics     *telemetry.Metrics
	metricsSrv  *telemetry.MetricsServer

	svcMgr  *ServiceManager
	logger  *zap.Logger
	fatal   chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	started bool
}

// NewNode creates and wires all subsystems without starting them. The host
// and gossip router live until Stop; ctx only bounds their construction.
func NewNode(
	ctx context.Context,
	cfg *config.Config,
	genesis *config.GenesisDoc,
	privKey crypto.PrivateKey,
	logger *zap.Logger,
) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if genesis == nil {
		return nil, fmt.Errorf("node: genesis document required")
	}
	if genesis.Network != cfg.Network {
		return nil, fmt.Errorf("node: genesis network %q does not match config network %q", genesis.Network, cfg.Network)
	}

	pid, err := crypto.PeerID(privKey)
	if err != nil {
		return nil, fmt.Errorf("node: derive peer id: %w", err)
	}
	nodeID := pid.String()
	logger = logger.With(zap.String("node_id", nodeID))

	authorities, err := genesis.AuthorityKeys()
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	// 1. Metrics.
	metrics := telemetry.NopMetrics()
	var metricsSrv *telemetry.MetricsServer
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewMetrics("walletd")
		metricsSrv = telemetry.NewMetricsServer(cfg.Telemetry.Addr, metrics, logger.Named("metrics"))
	}
	p2pMetrics := p2p.NewMetrics(metrics.Registry())

	// 2. Storage.
	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DBPath, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	// 3. Wallet worker.
	worker, err := wallet.Open(wallet.Config{
		Params: ledger.Params{
			Name:              cfg.Wallet.Name,
			Caption:           cfg.Wallet.Caption,
			Account:           cfg.Wallet.Account,
			AvailableAccounts: cfg.Wallet.AvailableAccounts,
			ExternalRoot:      cfg.Wallet.ExternalRoot,
			InternalRoot:      cfg.Wallet.InternalRoot,
			Genesis:           genesis.Genesis,
		},
		Reconcile: reconcile.Config{
			MaxPendingSpan: cfg.Reconcile.MaxPendingSpan,
			HistoryLimit:   cfg.Reconcile.HistoryLimit,
		},
		QueueSize: cfg.Wallet.QueueSize,
	}, store, metrics, logger.Named("wallet"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: open wallet: %w", err)
	}

	// 4. P2P host.
	host, err := p2p.NewHost(ctx, p2p.HostConfig{
		PrivateKey: privKey,
		ListenAddr: cfg.P2P.ListenAddr,
		MaxPeers:   cfg.P2P.MaxPeers,
		Seeds:      cfg.P2P.Seeds,
		Scoring: &p2p.ScoringConfig{
			ValidScore:   p2p.DefaultScoringConfig().ValidScore,
			InvalidScore: p2p.DefaultScoringConfig().InvalidScore,
			BanThreshold: cfg.P2P.BanScore,
			BanDuration:  cfg.P2P.BanTime.Duration,
		},
		Logger:  logger.Named("p2p"),
		Metrics: p2pMetrics,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: create p2p host: %w", err)
	}

	// 5. Block relay and sync transport.
	var (
		relay   *p2p.BlockCache
		source  p2p.ChainSource
		applier walletsync.Applier = worker
	)
	if cfg.Sync.RelayCacheSize > 0 {
		relay = p2p.NewBlockCache(cfg.Sync.RelayCacheSize)
		source = relay
		applier = &relayApplier{Worker: worker, cache: relay}
	}
	transport := p2p.NewSyncTransport(host, source, cfg.Sync.RequestTimeout.Duration, logger.Named("sync-transport"))

	// 6. Syncer.
	syncer := walletsync.NewSyncer(transport, applier, host.Scoring(), walletsync.Config{
		Interval:  cfg.Sync.Interval.Duration,
		BatchSize: cfg.Sync.BatchSize,
		Tip: walletsync.TipConfig{
			Threshold:     cfg.Quorum.Threshold,
			TieBreak:      cfg.TieBreak(),
			Window:        cfg.Sync.ReportWindow.Duration,
			MaxConcurrent: cfg.Sync.MaxConcurrent,
		},
	}, metrics, logger.Named("sync"))

	target, err := cfg.SyncTarget()
	if err != nil {
		host.Stop()
		store.Close()
		return nil, fmt.Errorf("node: %w", err)
	}
	if !target.IsAbsent() {
		syncer.SetTarget(target)
	}

	// 7. Finality.
	feed := p2p.NewSuperblockFeed(host, authorities, logger.Named("superblock"))
	listener := finality.NewListener(feed.Superblocks(), worker, syncer, metrics, logger.Named("finality"))

	// 8. RPC server and HTTP gateway.
	rpcServer := rpc.NewServer(cfg.RPC, logger.Named("rpc"))
	walletSvc := rpc.NewWalletService(rpc.WalletServiceConfig{
		Wallet:  worker,
		Syncer:  syncer,
		Peers:   host.PeerMgr().PeerCount,
		NodeID:  nodeID,
		Moniker: cfg.Moniker,
		Network: cfg.Network,
		Logger:  logger.Named("rpc"),
	})
	rpcServer.RegisterWalletService(walletSvc)

	var gw *rpc.Gateway
	if cfg.RPC.HTTPAddr != "" {
		gw = rpc.NewGateway(cfg.RPC.HTTPAddr, walletSvc, logger.Named("gateway"))
	}

	// 9. Admin server.
	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.NewServer(admin.Config{
			Addr:    cfg.Admin.Addr,
			Wallet:  worker,
			Syncer:  syncer,
			Peers:   host.PeerMgr(),
			Scoring: host.Scoring(),
			Logger:  logger.Named("admin"),
		})
	}

	n := &Node{
		cfg:         cfg,
		genesis:     genesis,
		nodeID:      nodeID,
		store:       store,
		worker:      worker,
		host:        host,
		relay:       relay,
		transport:   transport,
		feed:        feed,
		syncer:      syncer,
		listener:    listener,
		rpcServer:   rpcServer,
		gateway:     gw,
		adminServer: adminSrv,
		metrics:     metrics,
		metricsSrv:  metricsSrv,
		svcMgr:      NewServiceManager(logger),
		logger:      logger,
		fatal:       make(chan error, 1),
		done:        make(chan struct{}),
	}

	// Start order: the wallet must accept commands before blocks or
	// superblocks arrive; query surfaces come last.
	n.svcMgr.Add(worker)
	n.svcMgr.Add(host)
	n.svcMgr.Add(transport)
	n.svcMgr.Add(feed)
	n.svcMgr.Add(listener)
	n.svcMgr.Add(syncer)
	n.svcMgr.Add(rpcServer)
	if gw != nil {
		n.svcMgr.Add(gw)
	}
	if adminSrv != nil {
		n.svcMgr.Add(adminSrv)
	}

	return n, nil
}

// Start boots all subsystems in dependency order.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.logger.Info("node starting",
		zap.String("moniker", n.cfg.Moniker),
		zap.String("network", n.cfg.Network),
		zap.Uint32("account", n.cfg.Wallet.Account),
		zap.Stringer("last_confirmed", n.worker.LastConfirmed()),
	)

	if err := n.svcMgr.StartAll(ctx); err != nil {
		cancel()
		return fmt.Errorf("node: %w", err)
	}
	n.started = true

	if n.metricsSrv != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.metricsSrv.Start(); err != nil {
				n.logger.Warn("metrics server failed", zap.Error(err))
			}
		}()
	}

	n.wg.Add(1)
	go n.watchFatal(ctx)

	n.logger.Info("node started successfully",
		zap.String("grpc_addr", n.rpcServer.GRPCAddr()),
		zap.Int("listen_addrs", len(n.host.Addrs())),
	)

	return nil
}

// watchFatal forwards the first fatal error from the wallet or the finality
// listener to Fatal. The node keeps serving queries so operators can inspect
// the halted account.
func (n *Node) watchFatal(ctx context.Context) {
	defer n.wg.Done()

	var err error
	select {
	case <-ctx.Done():
		return
	case err = <-n.worker.Fatal():
	case err = <-n.listener.Fatal():
	}

	n.logger.Error("account halted", zap.Error(err))
	select {
	case n.fatal <- err:
	default:
	}
}

// Fatal delivers at most one unrecoverable error. The caller decides
// whether to stop the node.
func (n *Node) Fatal() <-chan error {
	return n.fatal
}

// Stop gracefully shuts down all subsystems in reverse order.
func (n *Node) Stop() error {
	var err error
	n.once.Do(func() {
		n.logger.Info("node stopping")

		if n.cancel != nil {
			n.cancel()
		}

		if n.started {
			err = n.svcMgr.StopAll()
		}

		if n.metricsSrv != nil {
			n.metricsSrv.Stop()
		}
		n.wg.Wait()

		// The libp2p host exists from NewNode on, started or not.
		n.host.Stop()

		if cerr := n.store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("node: close store: %w", cerr)
		}

		n.logger.Info("node stopped")
		close(n.done)
	})
	return err
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() error {
	<-n.done
	return nil
}

// NodeID returns the libp2p peer ID of this node.
func (n *Node) NodeID() string {
	return n.nodeID
}

// Wallet returns the account worker.
func (n *Node) Wallet() *wallet.Worker {
	return n.worker
}

// Syncer returns the block syncer.
func (n *Node) Syncer() *walletsync.Syncer {
	return n.syncer
}

// Host returns the P2P host.
func (n *Node) Host() *p2p.Host {
	return n.host
}

// Feed returns the superblock feed.
func (n *Node) Feed() *p2p.SuperblockFeed {
	return n.feed
}

// Relay returns the block relay cache, or nil when serving is disabled.
func (n *Node) Relay() *p2p.BlockCache {
	return n.relay
}

// RPCServer returns the RPC server (for testing).
func (n *Node) RPCServer() *rpc.Server {
	return n.rpcServer
}

// relayApplier records applied blocks so they can be served to peers.
type relayApplier struct {
	*wallet.Worker
	cache *p2p.BlockCache
}

func (r *relayApplier) ApplyBlock(ctx context.Context, update types.BlockUpdate) error {
	if err := r.Worker.ApplyBlock(ctx, update); err != nil {
		return err
	}
	r.cache.Put(update)
	return nil
}

func (r *relayApplier) Rewind(ctx context.Context) (int, error) {
	dropped, err := r.Worker.Rewind(ctx)
	if err != nil {
		return dropped, err
	}
	r.cache.TruncateFrom(r.Worker.LastConfirmed().Epoch + 1)
	return dropped, nil
}
