//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package engine

import (
	"strings"

	"golang.org/x/sys/unix"
)

// systemInfo returns the same fields as `uname -mrsv`.
func systemInfo() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fallbackSystemInfo()
	}

	return strings.Join([]string{
		unix.ByteSliceToString(uts.Sysname[:]),
		unix.ByteSliceToString(uts.Release[:]),
		unix.ByteSliceToString(uts.Version[:]),
		unix.ByteSliceToString(uts.Machine[:]),
	}, " ")
}
