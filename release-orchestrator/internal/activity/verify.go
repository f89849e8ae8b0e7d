package activity

import (
	"context"
	"fmt"
)

// VerifyChain recomputes every hash in chain order and returns the number of entries
// checked, or an error naming the first broken link.
func VerifyChain(ctx context.Context, store Store) (int, error) {
	prev := ""
	n := 0
	err := store.Walk(ctx, func(e Entry) error {
		n++
		if e.PrevHash != prev {
			return fmt.Errorf("entry %s (seq %d): prevHash %q does not match chain head %q", e.ID, e.Seq, e.PrevHash, prev)
		}
		computed, err := ComputeHash(e, e.PrevHash)
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.ID, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("hash mismatch for entry %s (action=%s): computed=%s stored=%s", e.ID, e.Action, computed, e.Hash)
		}
		prev = e.Hash
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, nil
}
