package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/pkg/helpers"
)

// JSONRPCBackend talks to a bitcoind-compatible node (Bitcoin Core,
// Litecoin Core). With a wallet URL (".../wallet/<name>") it also funds
// HTLC outputs through SendToAddress.
type JSONRPCBackend struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
	requestID atomic.Uint64
}

// NewJSONRPCBackend creates a new node RPC backend.
func NewJSONRPCBackend(rpcURL, user, pass string) *JSONRPCBackend {
	return &JSONRPCBackend{
		rpcURL:     rpcURL,
		rpcUser:    user,
		rpcPass:    pass,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (j *JSONRPCBackend) Type() Type {
	return TypeJSONRPC
}

// Connect checks the node with getblockchaininfo.
func (j *JSONRPCBackend) Connect(ctx context.Context) error {
	if _, err := j.call(ctx, "getblockchaininfo"); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	j.mu.Lock()
	j.connected = true
	j.mu.Unlock()
	return nil
}

func (j *JSONRPCBackend) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.connected = false
	return nil
}

func (j *JSONRPCBackend) IsConnected() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.connected
}

// GetAddressTxs is not available from a node without an address index.
func (j *JSONRPCBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	return nil, fmt.Errorf("%w: address history needs an indexer", ErrNotSupported)
}

func (j *JSONRPCBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	result, err := j.call(ctx, "getrawtransaction", txID, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, err)
	}

	var raw struct {
		TxID          string `json:"txid"`
		Version       int32  `json:"version"`
		Size          int64  `json:"size"`
		VSize         int64  `json:"vsize"`
		Weight        int64  `json:"weight"`
		LockTime      uint32 `json:"locktime"`
		Hex           string `json:"hex"`
		BlockHash     string `json:"blockhash"`
		Confirmations int64  `json:"confirmations"`
		BlockTime     int64  `json:"blocktime"`
		Vin           []struct {
			TxID        string   `json:"txid"`
			Vout        uint32   `json:"vout"`
			TxInWitness []string `json:"txinwitness"`
			Sequence    uint32   `json:"sequence"`
			ScriptSig   struct {
				Hex string `json:"hex"`
			} `json:"scriptSig"`
		} `json:"vin"`
		Vout []struct {
			Value        decimal.Decimal `json:"value"`
			ScriptPubKey struct {
				Hex     string `json:"hex"`
				Type    string `json:"type"`
				Address string `json:"address"`
			} `json:"scriptPubKey"`
		} `json:"vout"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}

	tx := &Transaction{
		TxID:          raw.TxID,
		Version:       raw.Version,
		Size:          raw.Size,
		VSize:         raw.VSize,
		Weight:        raw.Weight,
		LockTime:      raw.LockTime,
		Hex:           raw.Hex,
		BlockHash:     raw.BlockHash,
		Confirmations: raw.Confirmations,
		BlockTime:     raw.BlockTime,
		Confirmed:     raw.Confirmations > 0,
		Inputs:        make([]TxInput, len(raw.Vin)),
		Outputs:       make([]TxOutput, len(raw.Vout)),
	}
	for i, in := range raw.Vin {
		tx.Inputs[i] = TxInput{
			TxID:      in.TxID,
			Vout:      in.Vout,
			ScriptSig: in.ScriptSig.Hex,
			Witness:   in.TxInWitness,
			Sequence:  in.Sequence,
		}
	}
	for i, out := range raw.Vout {
		value, err := helpers.ToBaseUnits(out.Value, 8)
		if err != nil && out.Value.Sign() != 0 {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		tx.Outputs[i] = TxOutput{
			ScriptPubKey:     out.ScriptPubKey.Hex,
			ScriptPubKeyType: out.ScriptPubKey.Type,
			ScriptPubKeyAddr: out.ScriptPubKey.Address,
			Value:            value,
		}
	}
	return tx, nil
}

func (j *JSONRPCBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	result, err := j.call(ctx, "getrawtransaction", txID, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, err)
	}

	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, err
	}
	return hex.DecodeString(hexStr)
}

func (j *JSONRPCBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	result, err := j.call(ctx, "sendrawtransaction", rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", err
	}
	return txID, nil
}

func (j *JSONRPCBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	result, err := j.call(ctx, "getblockcount")
	if err != nil {
		return 0, err
	}

	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeEstimates queries estimatesmartfee for each target. Targets the node
// cannot estimate are left at zero.
func (j *JSONRPCBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
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
		result, err := j.call(ctx, "estimatesmartfee", target.blocks)
		if err != nil {
			continue
		}

		var fee struct {
			FeeRate decimal.Decimal `json:"feerate"`
		}
		if err := json.Unmarshal(result, &fee); err != nil {
			continue
		}
		*target.field = coinPerKBToSatPerVB(fee.FeeRate)
	}

	return estimates, nil
}

// SendToAddress pays amount (in coins, not base units) from the node wallet
// and returns the funding txid.
func (j *JSONRPCBackend) SendToAddress(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	result, err := j.call(ctx, "sendtoaddress", address, json.Number(amount.StringFixed(8)))
	if err != nil {
		return "", fmt.Errorf("sendtoaddress failed: %w", err)
	}

	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", err
	}
	return txID, nil
}

func (j *JSONRPCBackend) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	request := map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      j.requestID.Add(1),
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if j.rpcUser != "" {
		req.SetBasicAuth(j.rpcUser, j.rpcPass)
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// bitcoind answers RPC errors with a 500 and a JSON body.
	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if response.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", response.Error.Code, response.Error.Message)
	}
	return response.Result, nil
}

var _ Backend = (*JSONRPCBackend)(nil)
