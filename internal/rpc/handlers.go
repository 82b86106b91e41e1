package rpc

import (
	"context"
	"encoding/json"
	"time"
)

// Version of the daemon.
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version string   `json:"version"`
	Network string   `json:"network"`
	Coins   []string `json:"coins"`
	Uptime  string   `json:"uptime"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &NodeInfoResult{
		Version: Version,
		Network: s.network,
		Coins:   s.coins,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
	}, nil
}

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running   bool   `json:"running"`
	Synced    bool   `json:"synced"`
	LiveSwaps int    `json:"live_swaps"`
	WSClients int    `json:"ws_clients"`
	Uptime    string `json:"uptime"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &NodeStatusResult{
		Running:   true,
		Synced:    s.swaps.Synced(),
		LiveSwaps: len(s.swaps.Swaps()),
		WSClients: s.wsHub.ClientCount(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	}, nil
}
