//go:build !unix

package deadletter

import "os"

// lockFile is a no-op where advisory locks are unavailable.
func lockFile(*os.File) error {
	return nil
}

// tryLockOrphan never reports a file as orphaned, so a crashed writer's
// open file must be renamed by hand.
func tryLockOrphan(*os.File) bool {
	return false
}
