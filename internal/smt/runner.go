package smt

import (
	"errors"
	"fmt"
	"os/exec"
)

// Runner runs a local command and returns its combined output and exit code.
// err is only set when the command could not be run at all.
type Runner interface {
	ExecCmd(cmd string, args []string) (out []byte, exitCode int, err error)
}

type osRunner struct{}

// NewRunner returns a Runner backed by os/exec
func NewRunner() Runner {
	return &osRunner{}
}

func (o *osRunner) ExecCmd(cmd string, args []string) ([]byte, int, error) {
	var exitErr *exec.ExitError
	out, err := exec.Command(cmd, args...).CombinedOutput()
	if err != nil {
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, fmt.Errorf("cmd:%s %v, %w", cmd, args, err)
	}
	return out, 0, nil
}
