package backend

import (
	"context"
)

// EsploraBackend implements Backend using the Esplora API (blockstream.info).
// Esplora serves the same transaction endpoints as mempool.space.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	return &EsploraBackend{MempoolBackend: NewMempoolBackend(baseURL)}
}

func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates maps Esplora's block targets onto FeeEstimate.
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["1"]),
		HalfHourFee: uint64(result["3"]),
		HourFee:     uint64(result["6"]),
		EconomyFee:  uint64(result["144"]),
		MinimumFee:  1,
	}, nil
}

var _ Backend = (*EsploraBackend)(nil)
