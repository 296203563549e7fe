package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "bare object",
			raw:  `{"summary":"ok","edits":[]}`,
			want: `{"summary":"ok","edits":[]}`,
		},
		{
			name: "fenced",
			raw:  "```json\n{\"reply\":\"hi\"}\n```",
			want: `{"reply":"hi"}`,
		},
		{
			name: "prose around object",
			raw:  "Here you go:\n{\"reply\":\"hi\"}\nHope that helps!",
			want: `{"reply":"hi"}`,
		},
		{
			name: "no object",
			raw:  "I cannot help with that.",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.raw))
		})
	}
}

func TestDecodeStrictEditSet(t *testing.T) {
	raw := "```json\n" + `{
  "summary": "add health endpoint",
  "edits": [
    {"path": "server.ts", "action": "write", "content": "export const ok = true\n"},
    {"path": "old.ts", "action": "delete"}
  ]
}` + "\n```"

	var set EditSet
	require.NoError(t, decodeStrict(raw, &set))
	assert.Equal(t, "add health endpoint", set.Summary)
	require.Len(t, set.Edits, 2)
	assert.Equal(t, ActionWrite, set.Edits[0].Action)
	assert.Equal(t, ActionDelete, set.Edits[1].Action)
}

func TestDecodeStrictRejectsGarbage(t *testing.T) {
	var set EditSet
	err := decodeStrict("sorry, I had trouble", &set)
	assert.ErrorIs(t, err, ErrBadResponse)

	err = decodeStrict(`{"summary": 12`, &set)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestDecodeStrictChatReply(t *testing.T) {
	raw := `{"intent":"code_change","reply":"Want me to add that endpoint?","follow_up":"add a health endpoint","switch_intent":true}`

	var reply ChatReply
	require.NoError(t, decodeStrict(raw, &reply))
	assert.True(t, reply.SwitchIntent)
	assert.Equal(t, "add a health endpoint", reply.FollowUp)
}
