//go:build !unix

package engine

import "os/exec"

// configureProcess はプロセスグループを持たない環境では exec の既定動作（Kill）に任せます。
func configureProcess(cmd *exec.Cmd) {}
