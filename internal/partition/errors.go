package partition

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Sentinel errors for the partition subsystem. Callers classify failures
// with errors.Is and map them to HTTP status codes at the API layer.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrLimitExceeded   = errors.New("partition limit reached")
	ErrForbidden       = errors.New("forbidden")
)

// QuotaError reports a write that would push a partition over its quota.
// It carries enough detail for a precise user-facing message.
type QuotaError struct {
	Partition string
	Quota     int64
	Used      int64
	Requested int64
}

// Available returns the remaining capacity, never negative.
func (e *QuotaError) Available() int64 {
	if e.Used >= e.Quota {
		return 0
	}
	return e.Quota - e.Used
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("partition %q quota exceeded: requested %s, available %s (quota %s, used %s)",
		e.Partition,
		humanize.IBytes(uint64(e.Requested)),
		humanize.IBytes(uint64(e.Available())),
		humanize.IBytes(uint64(e.Quota)),
		humanize.IBytes(uint64(e.Used)))
}
