package rpc

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/echenim/Bedrock/walletd/internal/reconcile"
	"github.com/echenim/Bedrock/walletd/internal/storage"
	walletsync "github.com/echenim/Bedrock/walletd/internal/sync"
	"github.com/echenim/Bedrock/walletd/internal/types"
	"github.com/echenim/Bedrock/walletd/internal/wallet"
)

// Wallet is the account surface the service reads from.
type Wallet interface {
	View() *reconcile.View
	AllocateAddress(ctx context.Context, kind types.KeychainKind) (types.AddressInfo, error)
	ConfirmedBlock(epoch uint32) (types.CheckpointBeacon, error)
}

// SyncReporter exposes the latest sync round.
type SyncReporter interface {
	Status() walletsync.Status
}

// WalletServiceServer is the server API for walletd.v1.WalletService.
type WalletServiceServer interface {
	GetBalance(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetPending(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	AllocateAddress(context.Context, *wrapperspb.BoolValue) (*wrapperspb.StringValue, error)
	GetUtxos(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetConfirmedBlock(context.Context, *wrapperspb.UInt32Value) (*structpb.Struct, error)
}

// WalletService implements WalletServiceServer.
type WalletService struct {
	wallet  Wallet
	syncer  SyncReporter
	peers   func() int
	nodeID  string
	moniker string
	network string
	logger  *zap.Logger
}

// WalletServiceConfig holds configuration for the WalletService.
type WalletServiceConfig struct {
	Wallet  Wallet
	Syncer  SyncReporter
	Peers   func() int
	NodeID  string
	Moniker string
	Network string
	Logger  *zap.Logger
}

// NewWalletService creates the gRPC wallet service implementation.
func NewWalletService(cfg WalletServiceConfig) *WalletService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &WalletService{
		wallet:  cfg.Wallet,
		syncer:  cfg.Syncer,
		peers:   cfg.Peers,
		nodeID:  cfg.NodeID,
		moniker: cfg.Moniker,
		network: cfg.Network,
		logger:  cfg.Logger,
	}
}

// GetBalance returns the confirmed and effective balances of the account.
// Amounts are decimal strings so they survive JSON number precision.
func (s *WalletService) GetBalance(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.wallet == nil {
		return nil, status.Error(codes.Unavailable, "wallet not available")
	}
	v := s.wallet.View()
	return newStruct(map[string]any{
		"account":           v.Confirmed.Account,
		"balance":           strconv.FormatUint(v.Balance(), 10),
		"confirmed_balance": strconv.FormatUint(v.ConfirmedBalance(), 10),
		"pending_blocks":    len(v.Pending),
		"last_confirmed":    beaconValue(v.LastConfirmed()),
		"last_sync":         beaconValue(v.LastSync),
	})
}

// GetStatus returns node identity and sync progress.
func (s *WalletService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	fields := map[string]any{
		"node_id": s.nodeID,
		"moniker": s.moniker,
		"network": s.network,
	}
	if s.wallet != nil {
		v := s.wallet.View()
		fields["halted"] = v.Halted
		fields["last_confirmed"] = beaconValue(v.LastConfirmed())
		fields["last_sync"] = beaconValue(v.LastSync)
	}
	if s.syncer != nil {
		st := s.syncer.Status()
		fields["sync_state"] = st.StateName
		fields["syncing"] = st.State != walletsync.SyncCaughtUp
		fields["sync_target"] = beaconValue(st.Target)
	}
	if s.peers != nil {
		fields["peers"] = s.peers()
	}
	return newStruct(fields)
}

// GetPending lists the pending blocks in epoch order.
func (s *WalletService) GetPending(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	if s.wallet == nil {
		return nil, status.Error(codes.Unavailable, "wallet not available")
	}
	pending := s.wallet.View().Pending
	items := make([]any, len(pending))
	for i, p := range pending {
		items[i] = map[string]any{
			"key":       p.Key.String(),
			"beacon":    beaconValue(p.Beacon),
			"movements": p.Movements,
			"delta":     p.Delta,
		}
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode pending: %v", err)
	}
	return list, nil
}

// AllocateAddress hands out a fresh address. The request value selects the
// internal (change) keychain when true.
func (s *WalletService) AllocateAddress(ctx context.Context, req *wrapperspb.BoolValue) (*wrapperspb.StringValue, error) {
	if s.wallet == nil {
		return nil, status.Error(codes.Unavailable, "wallet not available")
	}
	kind := types.External
	if req.GetValue() {
		kind = types.Internal
	}
	info, err := s.wallet.AllocateAddress(ctx, kind)
	switch {
	case err == nil:
		s.logger.Info("allocated address",
			zap.Stringer("keychain", kind),
			zap.Uint32("index", info.Index),
		)
		return wrapperspb.String(info.Address), nil
	case errors.Is(err, wallet.ErrStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case reconcile.IsFatal(err):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.FromContextError(err).Err()
	default:
		return nil, status.Errorf(codes.Internal, "allocate address: %v", err)
	}
}

// GetUtxos lists the effective unspent outputs ordered by pointer. Outputs
// that only exist in pending blocks are marked confirmed=false.
func (s *WalletService) GetUtxos(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.wallet == nil {
		return nil, status.Error(codes.Unavailable, "wallet not available")
	}
	v := s.wallet.View()
	confirmed := v.Confirmed.UtxoSet
	sorted := v.Effective.UtxoSet.Sorted()
	outputs := make([]any, len(sorted))
	for i, u := range sorted {
		_, ok := confirmed[u.Pointer]
		outputs[i] = map[string]any{
			"tx_hash":   u.Pointer.TxHash.String(),
			"index":     u.Pointer.Index,
			"amount":    strconv.FormatUint(u.Output.Amount, 10),
			"address":   u.Output.Address,
			"confirmed": ok,
		}
	}
	return newStruct(map[string]any{
		"confirmed_total": strconv.FormatUint(confirmed.Total(), 10),
		"effective_total": strconv.FormatUint(v.Effective.UtxoSet.Total(), 10),
		"outputs":         outputs,
	})
}

// GetConfirmedBlock returns the confirmed beacon recorded for an epoch.
func (s *WalletService) GetConfirmedBlock(ctx context.Context, req *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	if s.wallet == nil {
		return nil, status.Error(codes.Unavailable, "wallet not available")
	}
	beacon, err := s.wallet.ConfirmedBlock(req.GetValue())
	switch {
	case err == nil:
		return newStruct(beaconValue(beacon))
	case errors.Is(err, storage.ErrNotFound):
		return nil, status.Errorf(codes.NotFound, "no confirmed block at epoch %d", req.GetValue())
	default:
		return nil, status.Errorf(codes.Internal, "confirmed block: %v", err)
	}
}

func beaconValue(b types.CheckpointBeacon) map[string]any {
	return map[string]any{
		"epoch": b.Epoch,
		"hash":  b.BlockHash.String(),
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

// --- Service descriptor ---

const walletServiceName = "walletd.v1.WalletService"

// RegisterWalletServiceServer registers srv on s.
func RegisterWalletServiceServer(s grpc.ServiceRegistrar, srv WalletServiceServer) {
	s.RegisterService(&walletServiceDesc, srv)
}

var walletServiceDesc = grpc.ServiceDesc{
	ServiceName: walletServiceName,
	HandlerType: (*WalletServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetBalance",
			Handler: unaryHandler("GetBalance", func(srv WalletServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return srv.GetBalance(ctx, in)
			}),
		},
		{
			MethodName: "GetStatus",
			Handler: unaryHandler("GetStatus", func(srv WalletServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return srv.GetStatus(ctx, in)
			}),
		},
		{
			MethodName: "GetPending",
			Handler: unaryHandler("GetPending", func(srv WalletServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return srv.GetPending(ctx, in)
			}),
		},
		{
			MethodName: "AllocateAddress",
			Handler: unaryHandler("AllocateAddress", func(srv WalletServiceServer, ctx context.Context, in *wrapperspb.BoolValue) (any, error) {
				return srv.AllocateAddress(ctx, in)
			}),
		},
		{
			MethodName: "GetUtxos",
			Handler: unaryHandler("GetUtxos", func(srv WalletServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return srv.GetUtxos(ctx, in)
			}),
		},
		{
			MethodName: "GetConfirmedBlock",
			Handler: unaryHandler("GetConfirmedBlock", func(srv WalletServiceServer, ctx context.Context, in *wrapperspb.UInt32Value) (any, error) {
				return srv.GetConfirmedBlock(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "walletd/v1/wallet.proto",
}

// unaryHandler adapts a typed method to grpc.MethodDesc.Handler.
func unaryHandler[Req any, PReq interface {
	*Req
}](method string, call func(WalletServiceServer, context.Context, PReq) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + walletServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WalletServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WalletServiceServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// WalletClient is a client for walletd.v1.WalletService.
type WalletClient struct {
	cc grpc.ClientConnInterface
}

// NewWalletClient creates a client on an established connection.
func NewWalletClient(cc grpc.ClientConnInterface) *WalletClient {
	return &WalletClient{cc: cc}
}

// GetBalance calls WalletService.GetBalance.
func (c *WalletClient) GetBalance(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+walletServiceName+"/GetBalance", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatus calls WalletService.GetStatus.
func (c *WalletClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+walletServiceName+"/GetStatus", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPending calls WalletService.GetPending.
func (c *WalletClient) GetPending(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, "/"+walletServiceName+"/GetPending", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// AllocateAddress calls WalletService.AllocateAddress.
func (c *WalletClient) AllocateAddress(ctx context.Context, internal bool, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+walletServiceName+"/AllocateAddress", wrapperspb.Bool(internal), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// GetUtxos calls WalletService.GetUtxos.
func (c *WalletClient) GetUtxos(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+walletServiceName+"/GetUtxos", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConfirmedBlock calls WalletService.GetConfirmedBlock.
func (c *WalletClient) GetConfirmedBlock(ctx context.Context, epoch uint32, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+walletServiceName+"/GetConfirmedBlock", wrapperspb.UInt32(epoch), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
