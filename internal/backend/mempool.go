package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// MempoolBackend implements Backend using the mempool.space REST API.
// Compatible with mempool.space, litecoinspace.org and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string) *MempoolBackend {
	return &MempoolBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect checks the API by reading the tip height.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MempoolBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	endpoint := "/address/" + address + "/txs"
	if lastSeenTxID != "" {
		endpoint += "/chain/" + lastSeenTxID
	}

	var result []mempoolTx
	if err := m.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	return convertTxs(result), nil
}

func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		if err == ErrAddressNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	tx := convertTxs([]mempoolTx{result})[0]

	// The API reports the block height, not the confirmation count.
	if tx.Confirmed && tx.BlockHeight > 0 {
		if height, err := m.GetBlockHeight(ctx); err == nil && height >= tx.BlockHeight {
			tx.Confirmations = height - tx.BlockHeight + 1
		}
	}
	return &tx, nil
}

// GetRawTransaction returns the serialized transaction.
func (m *MempoolBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	body, err := m.getText(ctx, "/tx/"+txID+"/raw")
	if err == ErrAddressNotFound {
		return nil, ErrTxNotFound
	}
	return body, err
}

func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}

	// Response body is the txid.
	return strings.TrimSpace(string(body)), nil
}

func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := m.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	var height int64
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, fmt.Errorf("invalid tip height %q: %w", body, err)
	}
	return height, nil
}

func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

// get performs a GET request and decodes the JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	resp, err := m.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(result)
}

// getText performs a GET request and returns the raw body.
func (m *MempoolBackend) getText(ctx context.Context, path string) ([]byte, error) {
	resp, err := m.do(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (m *MempoolBackend) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Avoid stale CDN responses while polling.
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrAddressNotFound
	case http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, ErrRateLimited
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID      string         `json:"txid"`
		Vout      uint32         `json:"vout"`
		ScriptSig string         `json:"scriptsig"`
		Witness   []string       `json:"witness"`
		Sequence  uint32         `json:"sequence"`
		Prevout   *mempoolOutput `json:"prevout"`
	} `json:"vin"`
	Vout []mempoolOutput `json:"vout"`
}

type mempoolOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address"`
	Value            uint64 `json:"value"`
}

func (o mempoolOutput) output() TxOutput {
	return TxOutput{
		ScriptPubKey:     o.ScriptPubKey,
		ScriptPubKeyType: o.ScriptPubKeyType,
		ScriptPubKeyAddr: o.ScriptPubKeyAddr,
		Value:            o.Value,
	}
}

func convertTxs(mTxs []mempoolTx) []Transaction {
	txs := make([]Transaction, len(mTxs))
	for i, mt := range mTxs {
		tx := Transaction{
			TxID:        mt.TxID,
			Version:     mt.Version,
			Size:        mt.Size,
			Weight:      mt.Weight,
			VSize:       (mt.Weight + 3) / 4,
			LockTime:    mt.LockTime,
			Fee:         mt.Fee,
			Confirmed:   mt.Status.Confirmed,
			BlockHash:   mt.Status.BlockHash,
			BlockHeight: mt.Status.BlockHeight,
			BlockTime:   mt.Status.BlockTime,
			Inputs:      make([]TxInput, len(mt.Vin)),
			Outputs:     make([]TxOutput, len(mt.Vout)),
		}

		for j, vin := range mt.Vin {
			tx.Inputs[j] = TxInput{
				TxID:      vin.TxID,
				Vout:      vin.Vout,
				ScriptSig: vin.ScriptSig,
				Witness:   vin.Witness,
				Sequence:  vin.Sequence,
			}
			if vin.Prevout != nil {
				prev := vin.Prevout.output()
				tx.Inputs[j].PrevOut = &prev
			}
		}
		for j, vout := range mt.Vout {
			tx.Outputs[j] = vout.output()
		}

		txs[i] = tx
	}
	return txs
}

var _ Backend = (*MempoolBackend)(nil)
