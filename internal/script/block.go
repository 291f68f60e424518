// Package script models a script document: an ordered list of typed blocks
// with per-block exclusive edit locks, plus the Store interface the sync
// core persists through. Block ordering uses fractional position keys so
// concurrent inserts and moves never renumber the whole sequence.
package script

import (
	"encoding/json"
	"fmt"
	"time"

	"scriptroom/internal/identity"
)

// BlockType tags the parameter shape a block carries.
type BlockType string

const (
	BlockHeading     BlockType = "heading"
	BlockDescription BlockType = "description"
	BlockDialogue    BlockType = "dialogue"
)

// Valid reports whether t is one of the known block types.
func (t BlockType) Valid() bool {
	switch t {
	case BlockHeading, BlockDescription, BlockDialogue:
		return true
	}
	return false
}

// Params is the tagged union of block parameter shapes, keyed by the
// block's Type field. Exactly one implementation exists per BlockType.
type Params interface {
	BlockType() BlockType
}

// HeadingParams is a scene heading (INT/EXT, location, time of day).
type HeadingParams struct {
	Setting   string `json:"setting"`
	Location  string `json:"location"`
	TimeOfDay string `json:"timeOfDay"`
}

// DescriptionParams is an action/description paragraph.
type DescriptionParams struct {
	Text string `json:"text"`
}

// DialogueParams is a character's spoken line.
type DialogueParams struct {
	Character     string `json:"character"`
	Parenthetical string `json:"parenthetical"`
	Text          string `json:"text"`
}

func (HeadingParams) BlockType() BlockType     { return BlockHeading }
func (DescriptionParams) BlockType() BlockType { return BlockDescription }
func (DialogueParams) BlockType() BlockType    { return BlockDialogue }

// DecodeParams decodes raw JSON into the parameter shape for t. A nil or
// empty raw value yields the zero params of that type.
func DecodeParams(t BlockType, raw json.RawMessage) (Params, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlockType, t)
	}
	decode := func(v Params) (Params, error) {
		if len(raw) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", t, err)
		}
		return v, nil
	}
	switch t {
	case BlockHeading:
		return decode(&HeadingParams{})
	case BlockDescription:
		return decode(&DescriptionParams{})
	default:
		return decode(&DialogueParams{})
	}
}

// Block is one durable entity of a document. Position is a dense order key:
// sorting ascending by Position (ties broken by ID) yields document order.
// LockedBy/LockedAt are mutated only through the lock protocol.
type Block struct {
	ID       string             `json:"id"`
	Type     BlockType          `json:"type"`
	Position float64            `json:"position"`
	Params   Params             `json:"params"`
	LockedBy *identity.Identity `json:"lockedBy,omitempty"`
	LockedAt *time.Time         `json:"lockedAt,omitempty"`
}

// blockJSON mirrors Block with raw params for two-phase decoding keyed on
// the type tag.
type blockJSON struct {
	ID       string             `json:"id"`
	Type     BlockType          `json:"type"`
	Position float64            `json:"position"`
	Params   json.RawMessage    `json:"params"`
	LockedBy *identity.Identity `json:"lockedBy,omitempty"`
	LockedAt *time.Time         `json:"lockedAt,omitempty"`
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var raw blockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	params, err := DecodeParams(raw.Type, raw.Params)
	if err != nil {
		return err
	}
	*b = Block{
		ID:       raw.ID,
		Type:     raw.Type,
		Position: raw.Position,
		Params:   params,
		LockedBy: raw.LockedBy,
		LockedAt: raw.LockedAt,
	}
	return nil
}

// Locked reports whether the block currently carries a lock.
func (b *Block) Locked() bool { return b.LockedBy != nil }

// LockedByUser reports whether userID currently holds the block's lock.
func (b *Block) LockedByUser(userID string) bool {
	return b.LockedBy != nil && b.LockedBy.UserID == userID
}

// Document is the persisted form the sync core consumes. CreatorID and
// Editors drive the edit-permission check; Blocks are kept in document
// order.
type Document struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	CreatorID string   `json:"creatorId"`
	Editors   []string `json:"editors"`
	Blocks    []Block  `json:"blocks"`
}

// CanEdit reports whether userID is the creator or a listed editor.
func (d *Document) CanEdit(userID string) bool {
	if d.CreatorID == userID {
		return true
	}
	for _, e := range d.Editors {
		if e == userID {
			return true
		}
	}
	return false
}

// Block returns the block with the given id, or nil.
func (d *Document) Block(blockID string) *Block {
	for i := range d.Blocks {
		if d.Blocks[i].ID == blockID {
			return &d.Blocks[i]
		}
	}
	return nil
}
