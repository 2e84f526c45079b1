package services

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentFilter_Filter(t *testing.T) {
	f, err := NewContentFilter(20, []string{"cheat", "我是", "bar baz"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		in         string
		want       string
		wantMasked bool
	}{
		{"clean", "hello there", "hello there", false},
		{"masks phrase", "no cheat codes", "no ***** codes", true},
		{"case insensitive", "CHEAT", "*****", true},
		{"multibyte phrase", "我是卧底", "**卧底", true},
		{"strips markup", `<b>"hi"</b>`, "bhi/b", false},
		{"collapses whitespace", "  a \t\n  b  ", "a b", false},
		{"whitespace only", "   \t ", "", false},
		{"markup only", `<>"'`, "", false},
		{"truncates on raw length", strings.Repeat("x", 25), strings.Repeat("x", 20) + "...", false},
		{"joined by stripping", "che<>at", "*****", true},
		{"joined by collapsing", "bar    baz", "*******", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, masked := f.Filter(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantMasked, masked)
		})
	}
}

func TestContentFilter_NoBannedPhraseSurvives(t *testing.T) {
	phrases := []string{"spam", "scam", "hack"}
	f, err := NewContentFilter(200, phrases)
	require.NoError(t, err)

	inputs := []string{
		"spamspam scam",
		"sp<a>m and s'c'am",
		"h  a  c k",
		"HACKhack<hack>",
	}
	for _, in := range inputs {
		out, _ := f.Filter(in)
		for _, p := range phrases {
			assert.NotContains(t, strings.ToLower(out), p, "input %q", in)
		}
	}
}

func TestContentFilter_LengthBound(t *testing.T) {
	f, err := NewContentFilter(200, []string{"x"})
	require.NoError(t, err)

	out, masked := f.Filter(strings.Repeat("xy ", 500))
	assert.True(t, masked)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 203)
}

func TestContentFilter_MaskKeepsRuneCount(t *testing.T) {
	f, err := NewContentFilter(200, []string{"卧底"})
	require.NoError(t, err)

	out, masked := f.Filter("谁是卧底")
	assert.True(t, masked)
	assert.Equal(t, "谁是**", out)
}

func TestContentFilter_NoPhrases(t *testing.T) {
	f, err := NewContentFilter(10, nil)
	require.NoError(t, err)

	out, masked := f.Filter("anything goes")
	assert.False(t, masked)
	assert.Equal(t, "anything g...", out)
}
