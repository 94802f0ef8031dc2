//go:build !unix

package process

import (
	"os"

	gprocess "github.com/shirou/gopsutil/v3/process"
)

func signalZero(pid int) bool {
	exists, err := gprocess.PidExists(int32(pid))
	return err == nil && exists
}

func sigkill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
