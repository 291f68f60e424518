package script

import "sort"

// Fractional ordering keys. A new document starts at InitialPosition and
// every append or before-first move steps by PositionGap; everything else
// is a midpoint between the two neighbors. Enough successive midpoints
// between the same neighbors will exhaust float64 precision and converge
// onto an endpoint; the scheme only ever relies on total order, never on
// position inequality holding forever.
const (
	InitialPosition = 4096.0
	PositionGap     = 4096.0
)

// SortBlocks orders blocks ascending by position, breaking position ties by
// block id so every replica sorts identically.
func SortBlocks(blocks []Block) {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Position == blocks[j].Position {
			return blocks[i].ID < blocks[j].ID
		}
		return blocks[i].Position < blocks[j].Position
	})
}

func midpoint(a, b float64) float64 { return (a + b) / 2 }

// NextPosition computes the position for a block inserted after the block
// with id afterID, or at the end of the document when afterID is empty.
func NextPosition(blocks []Block, afterID string) (float64, error) {
	sorted := append([]Block(nil), blocks...)
	SortBlocks(sorted)

	if len(sorted) == 0 {
		return InitialPosition, nil
	}
	if afterID == "" {
		return sorted[len(sorted)-1].Position + PositionGap, nil
	}
	for i := range sorted {
		if sorted[i].ID != afterID {
			continue
		}
		if i == len(sorted)-1 {
			return sorted[i].Position + PositionGap, nil
		}
		return midpoint(sorted[i].Position, sorted[i+1].Position), nil
	}
	return 0, ErrBlockNotFound
}

// MovePosition resolves the authoritative position for moving blockID to
// the slot the client requested. The requested value only selects the new
// neighbors; the returned position is recomputed from them, so the client's
// raw number is never persisted or echoed.
func MovePosition(blocks []Block, blockID string, requested float64) (float64, error) {
	others := make([]Block, 0, len(blocks))
	found := false
	for _, b := range blocks {
		if b.ID == blockID {
			found = true
			continue
		}
		others = append(others, b)
	}
	if !found {
		return 0, ErrBlockNotFound
	}
	SortBlocks(others)

	if len(others) == 0 {
		return InitialPosition, nil
	}

	// prev is the last block at or before the requested slot, next the
	// first one strictly after it.
	prevIdx := -1
	for i := range others {
		if others[i].Position <= requested {
			prevIdx = i
		}
	}
	switch {
	case prevIdx == -1:
		// Becomes the first block.
		return others[0].Position - PositionGap, nil
	case prevIdx == len(others)-1:
		// Becomes the last block.
		return others[prevIdx].Position + PositionGap, nil
	default:
		return midpoint(others[prevIdx].Position, others[prevIdx+1].Position), nil
	}
}
