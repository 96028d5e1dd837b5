//go:build windows

package core

import (
	"os"
	"os/exec"

	"go.uber.org/zap"
)

func setProcessGroup(_ *exec.Cmd) {}

func processGroupID(_ *exec.Cmd) int { return 0 }

func killProcessGroup(pid int, logger *zap.Logger) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	logger.Debug("Killing process", zap.Int("pid", pid))
	return p.Kill()
}
