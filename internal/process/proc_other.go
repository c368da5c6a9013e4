//go:build !unix

package process

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}

func signalNumber(exitErr *exec.ExitError) int { return 0 }
