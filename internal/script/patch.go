package script

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParamPatch is a same-type partial update to a block's params. Nil pointer
// fields are left untouched, so "not provided" and "set to empty" stay
// distinguishable. Patches are decoded against the block's type tag and
// rejected on mismatch; there is no cross-type update.
type ParamPatch interface {
	BlockType() BlockType
	// Apply merges the patch into p and returns the merged params.
	// p must be the shape matching BlockType().
	Apply(p Params) Params
}

// HeadingPatch updates a subset of HeadingParams fields.
type HeadingPatch struct {
	Setting   *string `json:"setting,omitempty"`
	Location  *string `json:"location,omitempty"`
	TimeOfDay *string `json:"timeOfDay,omitempty"`
}

// DescriptionPatch updates a subset of DescriptionParams fields.
type DescriptionPatch struct {
	Text *string `json:"text,omitempty"`
}

// DialoguePatch updates a subset of DialogueParams fields.
type DialoguePatch struct {
	Character     *string `json:"character,omitempty"`
	Parenthetical *string `json:"parenthetical,omitempty"`
	Text          *string `json:"text,omitempty"`
}

func (HeadingPatch) BlockType() BlockType     { return BlockHeading }
func (DescriptionPatch) BlockType() BlockType { return BlockDescription }
func (DialoguePatch) BlockType() BlockType    { return BlockDialogue }

func (u HeadingPatch) Apply(p Params) Params {
	merged := *p.(*HeadingParams)
	if u.Setting != nil {
		merged.Setting = *u.Setting
	}
	if u.Location != nil {
		merged.Location = *u.Location
	}
	if u.TimeOfDay != nil {
		merged.TimeOfDay = *u.TimeOfDay
	}
	return &merged
}

func (u DescriptionPatch) Apply(p Params) Params {
	merged := *p.(*DescriptionParams)
	if u.Text != nil {
		merged.Text = *u.Text
	}
	return &merged
}

func (u DialoguePatch) Apply(p Params) Params {
	merged := *p.(*DialogueParams)
	if u.Character != nil {
		merged.Character = *u.Character
	}
	if u.Parenthetical != nil {
		merged.Parenthetical = *u.Parenthetical
	}
	if u.Text != nil {
		merged.Text = *u.Text
	}
	return &merged
}

// DecodePatch decodes a raw param update against the block type t. Unknown
// fields are rejected so a mistyped client intent fails validation instead
// of silently dropping data.
func DecodePatch(t BlockType, raw json.RawMessage) (ParamPatch, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlockType, t)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty param update", ErrInvalidIntent)
	}
	decode := func(v ParamPatch) (ParamPatch, error) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return nil, fmt.Errorf("%w: decode %s update: %v", ErrInvalidIntent, t, err)
		}
		return v, nil
	}
	switch t {
	case BlockHeading:
		p, err := decode(&HeadingPatch{})
		if err != nil {
			return nil, err
		}
		return *p.(*HeadingPatch), nil
	case BlockDescription:
		p, err := decode(&DescriptionPatch{})
		if err != nil {
			return nil, err
		}
		return *p.(*DescriptionPatch), nil
	default:
		p, err := decode(&DialoguePatch{})
		if err != nil {
			return nil, err
		}
		return *p.(*DialoguePatch), nil
	}
}

// NormalizePatch re-encodes the patch with nil fields omitted. This is what
// broadcasts carry: the server-resolved update, not the client's raw bytes.
func NormalizePatch(p ParamPatch) json.RawMessage {
	out, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return out
}
