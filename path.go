package arcfs

import "strings"

// NormalizePath rewrites a caller-supplied path into the rooted,
// slash-separated form archive lookups expect: leading and trailing
// slashes dropped, runs of slashes collapsed, and "." standing for the
// archive root (so "", "/", and "///" all normalize to "."). Callers
// may therefore address entries absolutely ("/etc/hosts") or
// relatively ("etc/hosts") and reach the same inode.
//
// Dot and dot-dot components are kept as written, not resolved; the
// archive rejects them during lookup since its namespace has no
// relative addressing.
func NormalizePath(p string) string {
	var parts []string
	for part := range strings.SplitSeq(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, "/")
}
