package encoder

import (
	"errors"
	"os/exec"
	"strings"
	"syscall"

	"streamrelay/work/logger"
)

// LaunchPlayer starts playerPath on url in its own process group and returns
// once the process is running. The player outlives the caller's requests.
func LaunchPlayer(playerPath, url string) error {
	if strings.TrimSpace(playerPath) == "" {
		return errors.New("no player configured")
	}

	cmd := exec.Command(playerPath, url)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	logger.Info("{encoder/player - LaunchPlayer} Started %s (pid %d) on %s", playerPath, cmd.Process.Pid, url)

	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("{encoder/player - LaunchPlayer} Player exited: %v", err)
		}
	}()
	return nil
}
