//go:build unix

package engine

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcess は子プロセスを独立したプロセスグループで起動し、
// キャンセル時にグループ全体（soffice.bin などの子孫を含む）を終了させます。
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err != nil && !errors.Is(err, syscall.ESRCH) {
			return cmd.Process.Kill()
		}
		return nil
	}
}
