//go:build unix

package core

import (
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

func processGroupID(cmd *exec.Cmd) int {
	if cmd.Process == nil {
		return 0
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		// The process may already be gone; it was started as group leader.
		return cmd.Process.Pid
	}
	return pgid
}

// killProcessGroup sends SIGTERM to the whole group, waits up to
// processGracefulTimeout for it to exit and then sends SIGKILL.
func killProcessGroup(pgid int, logger *zap.Logger) error {
	if pgid <= 0 {
		return nil
	}

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		logger.Debug("Failed to send SIGTERM to process group", zap.Int("pgid", pgid), zap.Error(err))
	}

	deadline := time.Now().Add(processGracefulTimeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(-pgid, 0); err == unix.ESRCH {
			logger.Debug("Process group terminated", zap.Int("pgid", pgid))
			return nil
		}
		time.Sleep(processTerminationPollInterval)
	}

	logger.Warn("Process group did not exit after SIGTERM, sending SIGKILL", zap.Int("pgid", pgid))
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
