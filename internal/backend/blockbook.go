package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// BlockbookBackend implements Backend using Trezor's Blockbook API, e.g.
// "https://btc1.trezor.io/api/v2" or "https://ltc1.trezor.io/api/v2".
type BlockbookBackend struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
}

// NewBlockbookBackend creates a new Blockbook backend.
func NewBlockbookBackend(baseURL string) *BlockbookBackend {
	return &BlockbookBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (b *BlockbookBackend) Type() Type {
	return TypeBlockbook
}

// Connect checks the API by reading the status page.
func (b *BlockbookBackend) Connect(ctx context.Context) error {
	if _, err := b.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *BlockbookBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *BlockbookBackend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// GetAddressTxs returns one page of the address history, newest first.
func (b *BlockbookBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	var result struct {
		Transactions []blockbookTx `json:"transactions"`
	}
	if err := b.get(ctx, "/address/"+address+"?details=txs", &result); err != nil {
		return nil, err
	}

	byID := make(map[string]blockbookTx, len(result.Transactions))
	ids := make([]string, 0, len(result.Transactions))
	for _, bt := range result.Transactions {
		byID[bt.TxID] = bt
		ids = append(ids, bt.TxID)
	}

	ids = pageAfter(ids, lastSeenTxID)
	if len(ids) > historyPageSize {
		ids = ids[:historyPageSize]
	}

	txs := make([]Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := byID[id].convert()
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, nil
}

func (b *BlockbookBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result blockbookTx
	if err := b.get(ctx, "/tx/"+txID, &result); err != nil {
		if err == ErrAddressNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	return result.convert()
}

func (b *BlockbookBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	tx, err := b.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Hex == "" {
		return nil, fmt.Errorf("%w: %s has no raw data", ErrTxNotFound, txID)
	}
	return hex.DecodeString(tx.Hex)
}

// BroadcastTransaction posts the hex to /sendtx/.
func (b *BlockbookBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/sendtx/", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var result struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: status %d: %s", ErrBroadcastFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if result.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK || result.Result == "" {
		return "", fmt.Errorf("%w: status %d", ErrBroadcastFailed, resp.StatusCode)
	}
	return result.Result, nil
}

func (b *BlockbookBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var result struct {
		Blockbook struct {
			BestHeight int64 `json:"bestHeight"`
		} `json:"blockbook"`
	}
	if err := b.get(ctx, "", &result); err != nil {
		return 0, err
	}
	if result.Blockbook.BestHeight <= 0 {
		return 0, fmt.Errorf("status page has no best height")
	}
	return result.Blockbook.BestHeight, nil
}

// GetFeeEstimates queries /estimatefee per target. Targets Blockbook cannot
// estimate are left at zero.
func (b *BlockbookBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
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
		var result struct {
			Result decimal.Decimal `json:"result"`
		}
		if err := b.get(ctx, "/estimatefee/"+strconv.Itoa(target.blocks), &result); err != nil {
			continue
		}
		*target.field = coinPerKBToSatPerVB(result.Result)
	}

	return estimates, nil
}

// get performs a GET request and decodes the JSON response.
func (b *BlockbookBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(result)
	case http.StatusNotFound:
		return ErrAddressNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// blockbookTx is Blockbook's transaction format. Amounts are decimal strings
// in base units.
type blockbookTx struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex"`
	BlockHash     string `json:"blockHash"`
	BlockHeight   int64  `json:"blockHeight"`
	BlockTime     int64  `json:"blockTime"`
	Confirmations int64  `json:"confirmations"`
	Fees          string `json:"fees"`
	Vin           []struct {
		Addresses []string `json:"addresses"`
		Value     string   `json:"value"`
	} `json:"vin"`
	Vout []struct {
		Addresses []string `json:"addresses"`
	} `json:"vout"`
}

// convert decodes the raw hex, which carries the witnesses Blockbook's JSON
// leaves out, and adds the block, fee and address fields.
func (bt blockbookTx) convert() (*Transaction, error) {
	raw, err := hex.DecodeString(bt.Hex)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("blockbook tx %s: missing or invalid hex", bt.TxID)
	}
	tx, err := decodeRawTx(raw)
	if err != nil {
		return nil, fmt.Errorf("blockbook tx %s: %w", bt.TxID, err)
	}
	if tx.TxID != bt.TxID {
		return nil, fmt.Errorf("blockbook tx %s: hex decodes to %s", bt.TxID, tx.TxID)
	}

	tx.Confirmations = bt.Confirmations
	tx.Confirmed = bt.Confirmations > 0
	if tx.Confirmed {
		tx.BlockHash = bt.BlockHash
		tx.BlockHeight = bt.BlockHeight
		tx.BlockTime = bt.BlockTime
	}
	tx.Fee, _ = strconv.ParseUint(bt.Fees, 10, 64)

	for i, vin := range bt.Vin {
		if i >= len(tx.Inputs) {
			break
		}
		value, err := strconv.ParseUint(vin.Value, 10, 64)
		if err != nil {
			continue
		}
		tx.Inputs[i].PrevOut = &TxOutput{
			ScriptPubKeyAddr: firstAddress(vin.Addresses),
			Value:            value,
		}
	}
	for i, vout := range bt.Vout {
		if i >= len(tx.Outputs) {
			break
		}
		tx.Outputs[i].ScriptPubKeyAddr = firstAddress(vout.Addresses)
	}
	return tx, nil
}

func firstAddress(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

var _ Backend = (*BlockbookBackend)(nil)
