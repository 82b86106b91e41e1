// Package storage - Swap record persistence.
// Every protocol step a driver completes is written here before it is
// considered done, which is what lets a restarted daemon resume mid-swap.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapkit/pkg/helpers"
)

// Swap persistence errors
var (
	ErrSwapNotFound     = errors.New("swap not found")
	ErrSwapExists       = errors.New("swap already exists")
	ErrInvalidSwapState = errors.New("invalid swap state")
)

// SwapState is the protocol progress of a swap. Both roles share the enum;
// each role only walks the subset that applies to it.
type SwapState string

const (
	SwapStateRequested         SwapState = "requested"
	SwapStateResponded         SwapState = "responded"
	SwapStateInitiatorBailed   SwapState = "initiator_bailed"
	SwapStateResponderBailed   SwapState = "responder_bailed"
	SwapStateInitiatorRedeemed SwapState = "initiator_redeemed"
	SwapStateResponderRedeemed SwapState = "responder_redeemed"
)

var stateRank = map[SwapState]int{
	SwapStateRequested:         0,
	SwapStateResponded:         1,
	SwapStateInitiatorBailed:   2,
	SwapStateResponderBailed:   3,
	SwapStateInitiatorRedeemed: 4,
	SwapStateResponderRedeemed: 5,
}

// Rank returns the position of the state in the normal order of progress,
// or -1 for an unknown state.
func (s SwapState) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known state.
func (s SwapState) Valid() bool {
	return s.Rank() >= 0
}

// Before reports whether s comes strictly before other.
func (s SwapState) Before(other SwapState) bool {
	return s.Rank() < other.Rank()
}

// SwapRecord is the durable unit of protocol state for one swap.
type SwapRecord struct {
	// Identity
	ID          string `json:"id"`
	IsInitiator bool   `json:"is_initiator"`

	// Immutable terms
	InitiatorCoin          string          `json:"initiator_coin"`
	ResponderCoin          string          `json:"responder_coin"`
	Rate                   decimal.Decimal `json:"rate"`
	Amount                 decimal.Decimal `json:"amount"`
	SecretHash             []byte          `json:"secret_hash"`
	InitiatorRefundKeyHash []byte          `json:"initiator_refund_key_hash"`
	InitiatorRedeemKeyHash []byte          `json:"initiator_redeem_key_hash"`

	// Negotiated terms. Timestamps are unix seconds, 0 until agreed.
	InitiatorTimestamp     int64  `json:"initiator_timestamp"`
	ResponderTimestamp     int64  `json:"responder_timestamp"`
	ResponderRefundKeyHash []byte `json:"responder_refund_key_hash,omitempty"`
	ResponderRedeemKeyHash []byte `json:"responder_redeem_key_hash,omitempty"`
	RefundKeyID            string `json:"refund_key_id"`
	RedeemKeyID            string `json:"redeem_key_id"`

	// Secret is nil on the responder side until observed on-chain.
	Secret []byte `json:"-"`

	// Progress
	State           SwapState `json:"state"`
	InitiatorBailTx []byte    `json:"initiator_bail_tx,omitempty"`
	ResponderBailTx []byte    `json:"responder_bail_tx,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role returns "initiator" or "responder".
func (r *SwapRecord) Role() string {
	if r.IsInitiator {
		return "initiator"
	}
	return "responder"
}

// InProgress reports whether the role-terminal state has not been reached.
func (r *SwapRecord) InProgress() bool {
	if r.IsInitiator {
		return r.State != SwapStateInitiatorRedeemed
	}
	return r.State != SwapStateResponderRedeemed
}

// LockTime returns the absolute lock time of the local party's own bail.
func (r *SwapRecord) LockTime() int64 {
	if r.IsInitiator {
		return r.InitiatorTimestamp
	}
	return r.ResponderTimestamp
}

// Clone returns a deep copy of the record.
func (r *SwapRecord) Clone() *SwapRecord {
	c := *r
	c.SecretHash = helpers.CloneBytes(r.SecretHash)
	c.InitiatorRefundKeyHash = helpers.CloneBytes(r.InitiatorRefundKeyHash)
	c.InitiatorRedeemKeyHash = helpers.CloneBytes(r.InitiatorRedeemKeyHash)
	c.ResponderRefundKeyHash = helpers.CloneBytes(r.ResponderRefundKeyHash)
	c.ResponderRedeemKeyHash = helpers.CloneBytes(r.ResponderRedeemKeyHash)
	c.Secret = helpers.CloneBytes(r.Secret)
	c.InitiatorBailTx = helpers.CloneBytes(r.InitiatorBailTx)
	c.ResponderBailTx = helpers.CloneBytes(r.ResponderBailTx)
	return &c
}

const swapColumns = `
	id, is_initiator, state,
	initiator_coin, responder_coin, rate, amount, secret_hash,
	initiator_refund_key_hash, initiator_redeem_key_hash,
	initiator_timestamp, responder_timestamp,
	responder_refund_key_hash, responder_redeem_key_hash,
	refund_key_id, redeem_key_id,
	secret, initiator_bail_tx, responder_bail_tx,
	created_at, updated_at`

const inProgressFilter = `
	((is_initiator = 1 AND state != 'initiator_redeemed')
	OR (is_initiator = 0 AND state != 'responder_redeemed'))`

// AddSwap inserts a new swap record. Returns ErrSwapExists if the id is taken.
func (s *Storage) AddSwap(swap *SwapRecord) error {
	if !swap.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSwapState, swap.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = now
	}
	swap.UpdatedAt = now

	query := `INSERT INTO swaps (` + swapColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, swapArgs(swap)...)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrSwapExists, swap.ID)
		}
		return fmt.Errorf("failed to insert swap: %w", err)
	}
	return nil
}

// UpdateSwap writes the full record, replacing any existing row with the same id.
func (s *Storage) UpdateSwap(swap *SwapRecord) error {
	if !swap.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSwapState, swap.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = now
	}
	swap.UpdatedAt = now

	query := `INSERT INTO swaps (` + swapColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_initiator = excluded.is_initiator,
			state = excluded.state,
			initiator_coin = excluded.initiator_coin,
			responder_coin = excluded.responder_coin,
			rate = excluded.rate,
			amount = excluded.amount,
			secret_hash = excluded.secret_hash,
			initiator_refund_key_hash = excluded.initiator_refund_key_hash,
			initiator_redeem_key_hash = excluded.initiator_redeem_key_hash,
			initiator_timestamp = excluded.initiator_timestamp,
			responder_timestamp = excluded.responder_timestamp,
			responder_refund_key_hash = excluded.responder_refund_key_hash,
			responder_redeem_key_hash = excluded.responder_redeem_key_hash,
			refund_key_id = excluded.refund_key_id,
			redeem_key_id = excluded.redeem_key_id,
			secret = excluded.secret,
			initiator_bail_tx = excluded.initiator_bail_tx,
			responder_bail_tx = excluded.responder_bail_tx,
			updated_at = excluded.updated_at`

	if _, err := s.db.Exec(query, swapArgs(swap)...); err != nil {
		return fmt.Errorf("failed to update swap: %w", err)
	}
	return nil
}

// GetSwap retrieves a swap by id.
func (s *Storage) GetSwap(id string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+swapColumns+` FROM swaps WHERE id = ?`, id)
	return scanSwapRecord(row)
}

// ListInProgressSwaps returns every swap whose role-terminal state has not
// been reached, oldest first. This is the recovery set on startup.
func (s *Storage) ListInProgressSwaps() ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + swapColumns + ` FROM swaps
		WHERE ` + inProgressFilter + `
		ORDER BY created_at ASC`

	return s.querySwaps(query)
}

// ListExpiredSwaps returns in-progress swaps whose local lock time has passed.
// Funds bailed by these swaps can be reclaimed through the refund path.
func (s *Storage) ListExpiredSwaps(now time.Time) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + swapColumns + ` FROM swaps
		WHERE ` + inProgressFilter + `
		AND ((is_initiator = 1 AND initiator_timestamp > 0 AND initiator_timestamp <= ?)
			OR (is_initiator = 0 AND responder_timestamp > 0 AND responder_timestamp <= ?))
		ORDER BY created_at ASC`

	return s.querySwaps(query, now.Unix(), now.Unix())
}

// ListSwaps returns recent swaps, newest first.
func (s *Storage) ListSwaps(limit int, includeCompleted bool) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + swapColumns + ` FROM swaps`
	if !includeCompleted {
		query += ` WHERE ` + inProgressFilter
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	return s.querySwaps(query, limit)
}

// SwapCount returns the total number of stored swaps.
func (s *Storage) SwapCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM swaps`).Scan(&count)
	return count, err
}

func (s *Storage) querySwaps(query string, args ...interface{}) ([]*SwapRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*SwapRecord
	for rows.Next() {
		swap, err := scanSwapRecord(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}

	return swaps, rows.Err()
}

func swapArgs(swap *SwapRecord) []interface{} {
	return []interface{}{
		swap.ID,
		boolToInt(swap.IsInitiator),
		string(swap.State),
		swap.InitiatorCoin,
		swap.ResponderCoin,
		swap.Rate.String(),
		swap.Amount.String(),
		swap.SecretHash,
		swap.InitiatorRefundKeyHash,
		swap.InitiatorRedeemKeyHash,
		swap.InitiatorTimestamp,
		swap.ResponderTimestamp,
		swap.ResponderRefundKeyHash,
		swap.ResponderRedeemKeyHash,
		swap.RefundKeyID,
		swap.RedeemKeyID,
		swap.Secret,
		swap.InitiatorBailTx,
		swap.ResponderBailTx,
		swap.CreatedAt.Unix(),
		swap.UpdatedAt.Unix(),
	}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwapRecord(row rowScanner) (*SwapRecord, error) {
	var (
		swap        SwapRecord
		isInitiator int
		state       string
		rate        string
		amount      string
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(
		&swap.ID,
		&isInitiator,
		&state,
		&swap.InitiatorCoin,
		&swap.ResponderCoin,
		&rate,
		&amount,
		&swap.SecretHash,
		&swap.InitiatorRefundKeyHash,
		&swap.InitiatorRedeemKeyHash,
		&swap.InitiatorTimestamp,
		&swap.ResponderTimestamp,
		&swap.ResponderRefundKeyHash,
		&swap.ResponderRedeemKeyHash,
		&swap.RefundKeyID,
		&swap.RedeemKeyID,
		&swap.Secret,
		&swap.InitiatorBailTx,
		&swap.ResponderBailTx,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSwapNotFound
	}
	if err != nil {
		return nil, err
	}

	swap.IsInitiator = isInitiator != 0
	swap.State = SwapState(state)
	if swap.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("invalid rate for swap %s: %w", swap.ID, err)
	}
	if swap.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid amount for swap %s: %w", swap.ID, err)
	}
	swap.CreatedAt = time.Unix(createdAt, 0)
	swap.UpdatedAt = time.Unix(updatedAt, 0)

	return &swap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
