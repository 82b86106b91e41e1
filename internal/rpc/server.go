// Package rpc provides the JSON-RPC 2.0 control API of the swap daemon and a
// WebSocket stream of swap events.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/internal/storage"
	"github.com/klingon-exchange/swapkit/internal/swap"
	"github.com/klingon-exchange/swapkit/pkg/logging"
)

// SwapService is the part of the swap coordinator the API drives.
// *swap.Coordinator satisfies it.
type SwapService interface {
	CreateRequest(ctx context.Context, haveCoin, wantCoin string, rate, amount decimal.Decimal) (*swap.RequestMessage, error)
	AcceptRequest(ctx context.Context, req *swap.RequestMessage) (*swap.ResponseMessage, error)
	ConfirmResponse(ctx context.Context, resp *swap.ResponseMessage) error
	Swap(id string) (*storage.SwapRecord, error)
	Swaps() []*storage.SwapRecord
	ExpiredSwaps() ([]*storage.SwapRecord, error)
	ProceedAll(ctx context.Context) map[string]error
	Synced() bool
	OnEvent(handler swap.EventHandler)
}

var _ SwapService = (*swap.Coordinator)(nil)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	swaps     SwapService
	coins     []string
	network   string
	log       *logging.Logger
	wsHub     *WSHub
	startedAt time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Config holds server settings.
type Config struct {
	Network string
	Coins   []string
}

// NewServer creates a new JSON-RPC server. Swap events from svc are
// forwarded to WebSocket clients.
func NewServer(svc SwapService, cfg Config) *Server {
	s := &Server{
		swaps:     svc,
		coins:     cfg.Coins,
		network:   cfg.Network,
		log:       logging.GetDefault().Component("rpc"),
		wsHub:     NewWSHub(),
		startedAt: time.Now(),
		handlers:  make(map[string]Handler),
	}

	s.registerHandlers()
	svc.OnEvent(s.forwardEvent)

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_status"] = s.nodeStatus

	// Swap methods
	s.handlers["swap_createRequest"] = s.swapCreateRequest
	s.handlers["swap_acceptRequest"] = s.swapAcceptRequest
	s.handlers["swap_confirmResponse"] = s.swapConfirmResponse
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_get"] = s.swapGet
	s.handlers["swap_proceed"] = s.swapProceed
	s.handlers["swap_expired"] = s.swapExpired
}

// Handler returns the HTTP handler serving RPC and WebSocket requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server and the WebSocket hub.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

func (s *Server) forwardEvent(event swap.SwapEvent) {
	s.wsHub.Broadcast(EventType(event.Type), event)
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.log.Debug("RPC call failed", "method", req.Method, "error", err)
		s.writeError(w, req.ID, errorCode(err), err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
