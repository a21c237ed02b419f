package streaming

import (
	"strings"
	"unicode/utf8"
)

// accumulator is the append-only text buffer of one session. Lengths are in
// characters (runes).
type accumulator struct {
	buf    strings.Builder
	length int
}

// Append adds delta and returns the new length
func (a *accumulator) Append(delta string) int {
	if delta == "" {
		return a.length
	}
	a.buf.WriteString(delta)
	a.length += utf8.RuneCountInString(delta)
	return a.length
}

// Len returns the number of characters accumulated
func (a *accumulator) Len() int {
	return a.length
}

// String returns the accumulated text
func (a *accumulator) String() string {
	return a.buf.String()
}

// clip returns the prefix of delta that fits in room characters
func clip(delta string, room int) string {
	if room <= 0 {
		return ""
	}
	if utf8.RuneCountInString(delta) <= room {
		return delta
	}
	i := 0
	for pos := range delta {
		if i == room {
			return delta[:pos]
		}
		i++
	}
	return delta
}
