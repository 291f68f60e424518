package script

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeParams(t *testing.T) {
	p, err := DecodeParams(BlockDialogue, json.RawMessage(`{"character":"ALICE","text":"Hi."}`))
	require.NoError(t, err)
	dialogue, ok := p.(*DialogueParams)
	require.True(t, ok)
	require.Equal(t, "ALICE", dialogue.Character)
	require.Equal(t, "Hi.", dialogue.Text)
}

func TestDecodeParamsEmptyIsZeroValue(t *testing.T) {
	p, err := DecodeParams(BlockHeading, nil)
	require.NoError(t, err)
	require.Equal(t, &HeadingParams{}, p)
}

func TestDecodeParamsUnknownType(t *testing.T) {
	_, err := DecodeParams("sceneTransition", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnknownBlockType)
}

func TestBlockJSONCarriesTypedParams(t *testing.T) {
	in := Block{
		ID:       "b1",
		Type:     BlockHeading,
		Position: 4096,
		Params:   &HeadingParams{Setting: "EXT", Location: "ROOFTOP", TimeOfDay: "NIGHT"},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Block
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Position, out.Position)
	require.Equal(t, in.Params, out.Params)
}

func TestDecodePatchPartialMerge(t *testing.T) {
	patch, err := DecodePatch(BlockDialogue, json.RawMessage(`{"text":"New line."}`))
	require.NoError(t, err)

	merged := patch.Apply(&DialogueParams{Character: "BOB", Parenthetical: "(softly)", Text: "Old line."})
	require.Equal(t, &DialogueParams{
		Character:     "BOB",
		Parenthetical: "(softly)",
		Text:          "New line.",
	}, merged)
}

func TestDecodePatchSetToEmptyIsNotSkipped(t *testing.T) {
	patch, err := DecodePatch(BlockDialogue, json.RawMessage(`{"parenthetical":""}`))
	require.NoError(t, err)

	merged := patch.Apply(&DialogueParams{Character: "BOB", Parenthetical: "(softly)"})
	require.Equal(t, &DialogueParams{Character: "BOB"}, merged)
}

func TestDecodePatchRejectsForeignFields(t *testing.T) {
	// A dialogue-shaped update against a heading block is a validation
	// failure, not a silent partial apply.
	_, err := DecodePatch(BlockHeading, json.RawMessage(`{"character":"ALICE"}`))
	require.ErrorIs(t, err, ErrInvalidIntent)
}

func TestDecodePatchEmpty(t *testing.T) {
	_, err := DecodePatch(BlockDialogue, nil)
	require.ErrorIs(t, err, ErrInvalidIntent)
}

func TestNormalizePatchOmitsUnsetFields(t *testing.T) {
	patch, err := DecodePatch(BlockHeading, json.RawMessage(`{"location":"LOBBY"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"location":"LOBBY"}`, string(NormalizePatch(patch)))
}

func TestDocumentCanEdit(t *testing.T) {
	doc := &Document{CreatorID: "u1", Editors: []string{"u2"}}
	require.True(t, doc.CanEdit("u1"))
	require.True(t, doc.CanEdit("u2"))
	require.False(t, doc.CanEdit("u3"))
}
