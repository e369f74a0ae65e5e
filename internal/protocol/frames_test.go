package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	raw, err := Encode(TypeResume, ResumePayload{ConversationID: "c-1", LastSeq: 42})
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeResume, f.Type)

	var p ResumePayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, "c-1", p.ConversationID)
	assert.Equal(t, int64(42), p.LastSeq)
}

func TestEncode_NilPayload(t *testing.T) {
	raw, err := Encode(TypeAuthOK, nil)
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeAuthOK, f.Type)
	assert.Empty(t, f.Data)
}

func TestDecode_NotJSON(t *testing.T) {
	_, err := Decode([]byte(`{broken`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"data":{"x":1}}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	f, err := Decode([]byte(`{"type":"presence.typing","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "presence.typing", f.Type)
}

func TestPeekType(t *testing.T) {
	assert.Equal(t, TypeMessageNew, PeekType([]byte(`{"type":"message.new","data":{"seq":7}}`)))
	assert.Empty(t, PeekType([]byte(`not json`)))
}

func TestMessage_EffectiveTime(t *testing.T) {
	optimistic := Message{LocalID: "local-1", LocalTime: 100}
	assert.False(t, optimistic.Confirmed())
	assert.Equal(t, int64(100), optimistic.EffectiveTime())

	confirmed := Message{ID: "m1", Seq: 5, ServerTime: 200, LocalTime: 100}
	assert.True(t, confirmed.Confirmed())
	assert.Equal(t, int64(200), confirmed.EffectiveTime())
}

func TestBackfillPage_NullNextFromSeq(t *testing.T) {
	var page BackfillPage
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[],"latest_seq":9,"next_from_seq":null}`), &page))
	assert.Nil(t, page.NextFromSeq)
	assert.Equal(t, int64(9), page.LatestSeq)
}
