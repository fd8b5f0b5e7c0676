//go:build windows

package logger

// isTerminal always reports false on Windows; ANSI colors are not assumed.
func isTerminal(fd uintptr) bool {
	return false
}
