//go:build unix

package process

import "golang.org/x/sys/unix"

func signalZero(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func sigkill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}
