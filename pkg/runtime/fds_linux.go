// Package runtime implements utility functions for runtime systems.
package runtime

import (
	"os"
	"syscall"
)

// FDLimit returns the file descriptor soft limit for this process.
func FDLimit() (uint64, error) {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, err
	}
	return rlimit.Cur, nil
}

// FDUsage returns the number of file descriptors this process holds
// open.
func FDUsage() (uint64, error) {
	fds, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, err
	}
	return uint64(len(fds)), nil
}
