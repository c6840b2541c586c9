//go:build !unix

package invoker

import "os/exec"

func configureKill(cmd *exec.Cmd) {}
