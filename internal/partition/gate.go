package partition

import (
	"context"
	"fmt"

	"github.com/stashd/stashd/internal/metrics"
)

// Decision is the outcome of a quota gate check, with enough detail for a
// precise user-facing message when the write is denied.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Partition string `json:"partition"`
	Quota     int64  `json:"quota"`
	Used      int64  `json:"used"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
}

// Gate decides, before a file write is committed, whether the write fits in
// the target partition's remaining capacity.
type Gate struct {
	ledger *Ledger
}

// NewGate creates a quota gate over the given ledger.
func NewGate(ledger *Ledger) *Gate {
	return &Gate{ledger: ledger}
}

// Check is a pure read: it compares used + size against quota and has no
// side effects. Callers must resolve an unspecified partition to "personal"
// before calling. A passing check is not a reservation; the subsequent
// Charge is what actually commits the bytes.
func (g *Gate) Check(ctx context.Context, userID int, name string, size int64) (*Decision, error) {
	if size <= 0 {
		return nil, fmt.Errorf("candidate size must be positive: %w", ErrInvalidArgument)
	}

	p, err := g.ledger.Get(ctx, userID, name)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Allowed:   p.Used+size <= p.Quota,
		Partition: p.Name,
		Quota:     p.Quota,
		Used:      p.Used,
		Available: p.Available(),
		Requested: size,
	}
	metrics.RecordQuotaDecision(d.Allowed)
	return d, nil
}

// Charge commits size bytes to the partition after the underlying write
// succeeded. The increment is conditional on staying within quota, which
// closes the window where two concurrent uploads both pass Check and
// overshoot. A *QuotaError from Charge means the caller must undo its write.
func (g *Gate) Charge(ctx context.Context, userID int, name string, size int64) error {
	err := g.ledger.Charge(ctx, userID, name, size)
	if _, ok := err.(*QuotaError); ok {
		metrics.RecordQuotaDecision(false)
	}
	return err
}

// Refund returns size bytes to the partition after a failed or undone write.
// Advisory: failures should be logged and swallowed.
func (g *Gate) Refund(ctx context.Context, userID int, name string, size int64) error {
	return g.ledger.DecrementUsed(ctx, userID, name, size)
}
