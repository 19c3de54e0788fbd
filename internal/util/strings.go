// Package util holds small shared helpers.
package util

import "strings"

// InsertAfterEveryNth returns s with sep inserted after every n-th
// character. Used to chunk long opaque ids (invites, user ids) for
// display. Returns s unchanged when n <= 0 or s is shorter than n.
func InsertAfterEveryNth(s, sep string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s) + len(sep)*((len(s)-1)/n))

	for i := 0; i < len(s); i++ {
		sb.WriteByte(s[i])
		if (i+1)%n == 0 && i != len(s)-1 {
			sb.WriteString(sep)
		}
	}
	return sb.String()
}
