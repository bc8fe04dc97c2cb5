//go:build unix

package judge

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

// killProcessGroup starts the child in its own process group and kills the
// whole group on cancellation, so no grandchild outlives the judged call.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func peakMemoryKB(ps *os.ProcessState) int {
	if ps == nil {
		return 0
	}

	ru, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}

	// Maxrss is reported in bytes on darwin and kilobytes elsewhere.
	if runtime.GOOS == "darwin" {
		return int(ru.Maxrss / 1024)
	}
	return int(ru.Maxrss)
}
