//go:build !linux

package mobile

// defaultPipeSize is assumed where the pipe buffer cannot be resized.
const defaultPipeSize = 65536

func setPipeMaxSize(fds ...int) int {
	return defaultPipeSize
}
