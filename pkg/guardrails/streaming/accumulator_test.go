package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccumulatorAppend(t *testing.T) {
	var acc accumulator

	assert.Equal(t, 5, acc.Append("Hello"))
	assert.Equal(t, 5, acc.Append(""))
	assert.Equal(t, 11, acc.Append(" wörld"))
	assert.Equal(t, "Hello wörld", acc.String())
	assert.Equal(t, 11, acc.Len())
}

func TestClip(t *testing.T) {
	tests := []struct {
		name  string
		delta string
		room  int
		want  string
	}{
		{name: "fits", delta: "abc", room: 5, want: "abc"},
		{name: "exact", delta: "abc", room: 3, want: "abc"},
		{name: "cut", delta: "abcdef", room: 4, want: "abcd"},
		{name: "no room", delta: "abc", room: 0, want: ""},
		{name: "multibyte", delta: "ñandú", room: 4, want: "ñand"},
		{name: "negative room", delta: "abc", room: -1, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clip(tt.delta, tt.room))
		})
	}
}
