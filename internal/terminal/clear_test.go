package terminal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinesFor(t *testing.T) {
	tests := []struct {
		length, width, want int
	}{
		{0, 80, 1},
		{79, 80, 1},
		{80, 80, 1},
		{81, 80, 2},
		{200, 0, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LinesFor(tt.length, tt.width), "length=%d width=%d", tt.length, tt.width)
	}
}

func TestClearLines(t *testing.T) {
	var buf bytes.Buffer
	ClearLines(&buf, 3)
	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "\x1b[2K"))
	assert.Equal(t, 2, strings.Count(out, "\x1b[1A"))
	assert.True(t, strings.HasSuffix(out, "\r\x1b[2K"))
}
