package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertAfterEveryNth(t *testing.T) {
	assert.Equal(t, "ab-cd-ef", InsertAfterEveryNth("abcdef", "-", 2))
	assert.Equal(t, "abc-def-g", InsertAfterEveryNth("abcdefg", "-", 3))
	assert.Equal(t, "abc", InsertAfterEveryNth("abc", "-", 3))
	assert.Equal(t, "abc", InsertAfterEveryNth("abc", "-", 0))
	assert.Equal(t, "", InsertAfterEveryNth("", "-", 4))
}

func TestInsertAfterEveryNthLengthProperty(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 16} {
		for _, s := range []string{"a", "abcd", "abcdefghij", strings.Repeat("x", 256)} {
			got := InsertAfterEveryNth(s, "--", n)
			want := len(s) + 2*((len(s)-1)/n)
			assert.Len(t, got, want, "s=%q n=%d", s, n)
			// Removing the separator reconstructs the input.
			assert.Equal(t, s, strings.ReplaceAll(got, "--", ""))
		}
	}
}
