//go:build !unix

package cache

import "os"

// Platforms without advisory range locks fall back to process-local
// exclusion only; shared-store deployments require a custom Locker there.
func platformRangeLocker(_ *os.File, _ int64) Locker {
	return NopLocker{}
}
