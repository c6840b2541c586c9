//go:build unix

package invoker

import (
	"os/exec"
	"syscall"
)

// configureKill puts the tool in its own process group so that a timeout or
// cancellation also stops any helpers it spawned (yt-dlp runs ffmpeg).
func configureKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
