package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingT captures failures instead of failing the enclosing test.
type recordingT struct {
	failures []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAsserter_Defaults(t *testing.T) {
	opts := NewTextAsserter(t).Options()

	assert.True(t, opts.TrimSpace)
	assert.True(t, opts.IgnoreTrailingWhitespace)
	assert.True(t, opts.StripANSI)
	assert.False(t, opts.IgnoreEmptyLines)
	assert.False(t, opts.Colors)
}

func TestTextAsserter_Normalization(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{name: "identical", actual: "♥ 72 bpm\n", expected: "♥ 72 bpm", match: true},
		{name: "trailing spaces ignored", actual: "NAME  \nStrap\t\n", expected: "NAME\nStrap", match: true},
		{name: "CRLF", actual: "a\r\nb\r\n", expected: "a\nb", match: true},
		{name: "ansi stripped", actual: "\x1b[1;31m♥\x1b[0m 72 bpm", expected: "♥ 72 bpm", match: true},
		{name: "progress line cleared", actual: "\rWaiting (Scanning...)   \r\x1b[K♥ 60 bpm", expected: "Waiting (Scanning...)   ♥ 60 bpm", match: true},
		{name: "ansi kept", opts: []TextOption{WithStripANSI(false)}, actual: "\x1b[31mx\x1b[0m", expected: "x", match: false},
		{name: "empty lines significant", actual: "a\n\nb", expected: "a\nb", match: false},
		{name: "empty lines ignored", opts: []TextOption{WithIgnoreEmptyLines(true)}, actual: "a\n\nb", expected: "a\nb", match: true},
		{name: "no trim", opts: []TextOption{WithTrimSpace(false)}, actual: "\na", expected: "a", match: false},
		{name: "different value", actual: "♥ 72 bpm", expected: "♥ 75 bpm", match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ok := NewTextAsserter(rec, tt.opts...).Assert(tt.actual, tt.expected)

			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.match, len(rec.failures) == 0)
		})
	}
}

func TestTextAsserter_DiffIsUnified(t *testing.T) {
	diff := NewTextAsserter(t).Diff("a\nB\nc", "a\nb\nc")

	assert.Contains(t, diff, "--- expected")
	assert.Contains(t, diff, "+++ actual")
	assert.Contains(t, diff, "-b")
	assert.Contains(t, diff, "+B")
}

func TestTextAsserter_ColoredDiff(t *testing.T) {
	diff := NewTextAsserter(t, WithColors(true)).Diff("x y", "x z")

	assert.Contains(t, diff, "\x1b[", "MUST contain color escapes")
	assert.Contains(t, diff, "x·y", "MUST make whitespace visible in changed lines")
	assert.False(t, strings.Contains(StripANSI(diff), "\x1b["))
}
