package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Gateway provides an HTTP/JSON gateway in front of the WalletService.
type Gateway struct {
	server  *http.Server
	service WalletServiceServer
	addr    string
	logger  *zap.Logger
	lis     net.Listener
}

// NewGateway creates an HTTP gateway.
func NewGateway(addr string, service WalletServiceServer, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}

	gw := &Gateway{
		service: service,
		addr:    addr,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", gw.handleStatus)
	mux.HandleFunc("/balance", gw.handleBalance)
	mux.HandleFunc("/pending", gw.handlePending)
	mux.HandleFunc("/address", gw.handleAddress)
	mux.HandleFunc("/utxos", gw.handleUtxos)
	mux.HandleFunc("/blocks/", gw.handleBlock)
	mux.HandleFunc("/health", gw.handleHealth)

	gw.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return gw
}

// Start begins serving HTTP requests.
func (gw *Gateway) Start(ctx context.Context) error {
	var err error
	gw.lis, err = net.Listen("tcp", gw.addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", gw.addr, err)
	}

	gw.logger.Info("HTTP gateway starting", zap.String("addr", gw.lis.Addr().String()))

	go func() {
		if err := gw.server.Serve(gw.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gw.logger.Error("HTTP gateway error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the gateway.
func (gw *Gateway) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return gw.server.Shutdown(ctx)
}

// Name returns the service name.
func (gw *Gateway) Name() string {
	return "http-gateway"
}

// Addr returns the actual address the gateway is listening on.
func (gw *Gateway) Addr() string {
	if gw.lis != nil {
		return gw.lis.Addr().String()
	}
	return gw.addr
}

func (gw *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp, err := gw.service.GetStatus(r.Context(), &emptypb.Empty{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeProto(w, resp)
}

func (gw *Gateway) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp, err := gw.service.GetBalance(r.Context(), &emptypb.Empty{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeProto(w, resp)
}

func (gw *Gateway) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp, err := gw.service.GetPending(r.Context(), &emptypb.Empty{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeProto(w, resp)
}

func (gw *Gateway) handleAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Internal bool `json:"internal"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	resp, err := gw.service.AllocateAddress(r.Context(), wrapperspb.Bool(body.Internal))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"address": resp.GetValue()})
}

func (gw *Gateway) handleUtxos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp, err := gw.service.GetUtxos(r.Context(), &emptypb.Empty{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeProto(w, resp)
}

// handleBlock serves GET /blocks/{epoch}.
func (gw *Gateway) handleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	epoch, err := strconv.ParseUint(strings.TrimPrefix(r.URL.Path, "/blocks/"), 10, 32)
	if err != nil {
		writeError(w, status.Error(codes.InvalidArgument, "epoch must be an unsigned 32-bit integer"))
		return
	}
	resp, err := gw.service.GetConfirmedBlock(r.Context(), wrapperspb.UInt32(uint32(epoch)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeProto(w, resp)
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeProto(w http.ResponseWriter, m proto.Message) {
	data, err := protojson.Marshal(m)
	if err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch status.Code(err) {
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	case codes.FailedPrecondition:
		code = http.StatusConflict
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": status.Convert(err).Message()})
}
