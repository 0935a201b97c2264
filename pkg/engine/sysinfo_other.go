//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package engine

func systemInfo() string {
	return fallbackSystemInfo()
}
