package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// maxPublicIDAttempts bounds regeneration when a generated id is taken.
const maxPublicIDAttempts = 8

// NewPublicID builds a short displayable id: "TX", the last six digits of the
// unix millisecond clock, and a three digit suffix (taken modulo 1000).
func NewPublicID(now time.Time, suffix int) string {
	ms := now.UnixMilli() % 1_000_000
	return fmt.Sprintf("TX%06d%03d", ms, suffix%1000)
}

// uniquePublicID generates ids until one is not present in the store.
func (e *Engine) uniquePublicID(ctx context.Context, s Store) (string, error) {
	for i := 0; i < maxPublicIDAttempts; i++ {
		id := NewPublicID(e.now(), e.intn(1000))
		_, err := s.GetTransactionByPublicID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no free public id after %d attempts", ErrConflict, maxPublicIDAttempts)
}
