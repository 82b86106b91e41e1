package backend

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/shopspring/decimal"
)

// ElectrumBackend implements Backend over the Electrum protocol (electrs,
// ElectrumX, Fulcrum). Requests are newline-delimited JSON-RPC on one
// connection, so calls are serialized.
type ElectrumBackend struct {
	servers []electrumServer
	timeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	requestID atomic.Uint64
}

type electrumServer struct {
	addr   string
	useTLS bool
}

// NewElectrumBackend creates an Electrum backend. url is a comma-separated
// list of servers, each "ssl://host:port", "tls://host:port" or
// "tcp://host:port". A server without a scheme uses TLS.
func NewElectrumBackend(url string) (*ElectrumBackend, error) {
	var servers []electrumServer
	for _, s := range strings.Split(url, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		server := electrumServer{useTLS: true}
		switch {
		case strings.HasPrefix(s, "tcp://"):
			server.useTLS = false
			server.addr = strings.TrimPrefix(s, "tcp://")
		case strings.HasPrefix(s, "ssl://"):
			server.addr = strings.TrimPrefix(s, "ssl://")
		case strings.HasPrefix(s, "tls://"):
			server.addr = strings.TrimPrefix(s, "tls://")
		case strings.Contains(s, "://"):
			return nil, fmt.Errorf("electrum server %q: unknown scheme", s)
		default:
			server.addr = s
		}
		if _, _, err := net.SplitHostPort(server.addr); err != nil {
			return nil, fmt.Errorf("electrum server %q: %w", s, err)
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("electrum backend: no servers in %q", url)
	}

	return &ElectrumBackend{
		servers: servers,
		timeout: defaultTimeout,
	}, nil
}

func (e *ElectrumBackend) Type() Type {
	return TypeElectrum
}

// Connect dials the servers in order and keeps the first that answers
// server.version.
func (e *ElectrumBackend) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected {
		return nil
	}

	var lastErr error
	for _, server := range e.servers {
		dialer := &net.Dialer{Timeout: e.timeout}

		var (
			conn net.Conn
			err  error
		)
		if server.useTLS {
			tlsDialer := &tls.Dialer{
				NetDialer: dialer,
				Config:    &tls.Config{MinVersion: tls.VersionTLS12},
			}
			conn, err = tlsDialer.DialContext(ctx, "tcp", server.addr)
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", server.addr)
		}
		if err != nil {
			lastErr = err
			continue
		}

		e.conn = conn
		e.reader = bufio.NewReader(conn)
		e.connected = true

		if _, err := e.callLocked(ctx, "server.version", "swapd", "1.4"); err != nil {
			e.closeLocked()
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

func (e *ElectrumBackend) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
	return nil
}

func (e *ElectrumBackend) closeLocked() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.reader = nil
	e.connected = false
}

func (e *ElectrumBackend) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// GetAddressTxs fetches the address history newest first, mempool entries
// included, and decodes up to one page of transactions.
func (e *ElectrumBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	scriptHash, err := electrumScriptHash(address)
	if err != nil {
		return nil, err
	}

	result, err := e.call(ctx, "blockchain.scripthash.get_history", scriptHash)
	if err != nil {
		return nil, err
	}

	var history []struct {
		TxHash string `json:"tx_hash"`
		Height int64  `json:"height"`
	}
	if err := json.Unmarshal(result, &history); err != nil {
		return nil, fmt.Errorf("unexpected history response: %w", err)
	}

	// History is oldest first with mempool entries (height <= 0) last.
	heights := make(map[string]int64, len(history))
	ids := make([]string, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		heights[history[i].TxHash] = history[i].Height
		ids = append(ids, history[i].TxHash)
	}

	ids = pageAfter(ids, lastSeenTxID)
	if len(ids) > historyPageSize {
		ids = ids[:historyPageSize]
	}

	txs := make([]Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := e.GetTransaction(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("history tx %s: %w", id, err)
		}
		if h := heights[id]; h > 0 {
			tx.Confirmed = true
			tx.BlockHeight = h
		}
		txs = append(txs, *tx)
	}
	return txs, nil
}

// GetTransaction decodes the raw transaction. Electrum servers do not all
// support verbose output, so block fields stay empty.
func (e *ElectrumBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	raw, err := e.GetRawTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	return decodeRawTx(raw)
}

func (e *ElectrumBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	result, err := e.call(ctx, "blockchain.transaction.get", txID, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, err)
	}

	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, fmt.Errorf("unexpected transaction response: %w", err)
	}
	return hex.DecodeString(hexStr)
}

func (e *ElectrumBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	result, err := e.call(ctx, "blockchain.transaction.broadcast", rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", fmt.Errorf("unexpected broadcast response: %w", err)
	}
	return txID, nil
}

func (e *ElectrumBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	result, err := e.call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		return 0, err
	}

	var header struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(result, &header); err != nil {
		return 0, fmt.Errorf("unexpected headers response: %w", err)
	}
	return header.Height, nil
}

// GetFeeEstimates queries blockchain.estimatefee per target. Targets the
// server cannot estimate are left at zero.
func (e *ElectrumBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	estimates := &FeeEstimate{MinimumFee: 1}

	for _, target := range []struct {
		blocks int
		field  *uint64
	}{
		{1, &estimates.FastestFee},
		{3, &estimates.HalfHourFee},
		{6, &estimates.HourFee},
		{144, &estimates.EconomyFee},
	} {
		result, err := e.call(ctx, "blockchain.estimatefee", target.blocks)
		if err != nil {
			continue
		}
		var rate decimal.Decimal
		if err := json.Unmarshal(result, &rate); err != nil {
			continue
		}
		*target.field = coinPerKBToSatPerVB(rate)
	}

	return estimates, nil
}

func (e *ElectrumBackend) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callLocked(ctx, method, params...)
}

// callLocked sends one request and reads its response. A transport error
// drops the connection; the next Connect redials.
func (e *ElectrumBackend) callLocked(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if !e.connected || e.conn == nil {
		return nil, ErrNotConnected
	}
	if params == nil {
		params = []interface{}{}
	}

	id := e.requestID.Add(1)
	data, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	e.conn.SetDeadline(deadline)

	if _, err := e.conn.Write(append(data, '\n')); err != nil {
		e.closeLocked()
		return nil, err
	}

	for {
		line, err := e.reader.ReadBytes('\n')
		if err != nil {
			e.closeLocked()
			return nil, err
		}

		var response struct {
			ID     *uint64         `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(line, &response); err != nil {
			e.closeLocked()
			return nil, fmt.Errorf("invalid electrum response: %w", err)
		}
		// Subscription notifications carry no id.
		if response.ID == nil || *response.ID != id {
			continue
		}
		if response.Error != nil {
			return nil, fmt.Errorf("electrum error %d: %s", response.Error.Code, response.Error.Message)
		}
		return response.Result, nil
	}
}

// electrumScriptHash returns the Electrum script hash of a segwit address:
// SHA256 of its output script, byte-reversed, hex encoded. Every address the
// gateways watch is segwit, so base58 addresses are not handled.
func electrumScriptHash(address string) (string, error) {
	_, data, err := bech32.Decode(address)
	if err != nil {
		return "", fmt.Errorf("electrum backend needs a segwit address: %w", err)
	}
	if len(data) < 1 || data[0] > 16 {
		return "", fmt.Errorf("invalid witness version in %s", address)
	}
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("invalid witness program in %s: %w", address, err)
	}
	if len(program) < 2 || len(program) > 40 {
		return "", fmt.Errorf("invalid witness program length %d in %s", len(program), address)
	}

	version := data[0]
	op := byte(0x00) // OP_0
	if version > 0 {
		op = 0x50 + version // OP_1..OP_16
	}
	script := append([]byte{op, byte(len(program))}, program...)

	hash := sha256.Sum256(script)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:]), nil
}

var _ Backend = (*ElectrumBackend)(nil)
