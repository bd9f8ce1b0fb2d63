//go:build linux

package mobile

import (
	"bytes"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// defaultPipeSize is the kernel default when the max cannot be read.
const defaultPipeSize = 65536

// pipeMaxSize reads the system-wide pipe buffer ceiling.
func pipeMaxSize() int {
	data, err := os.ReadFile("/proc/sys/fs/pipe-max-size")
	if err != nil {
		return defaultPipeSize
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil || n <= 0 {
		return defaultPipeSize
	}
	return n
}

// setPipeMaxSize grows the FIFO buffers to the system maximum so bursts
// from the device do not block the pumps. Best effort.
func setPipeMaxSize(fds ...int) int {
	size := pipeMaxSize()
	for _, fd := range fds {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, size); err != nil {
			return defaultPipeSize
		}
	}
	return size
}
