package store

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// probeRemote runs the configured build cache command and reports whether
// it exited cleanly within the timeout.
func probeRemote(argv []string, timeout time.Duration, team, token string) error {
	if len(argv) == 0 {
		return errors.New("no remote command")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	if team != "" {
		cmd.Env = append(cmd.Env, "TURBO_TEAM="+team)
	}
	if token != "" {
		cmd.Env = append(cmd.Env, "TURBO_TOKEN="+token)
	}
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Errorf("%s timed out after %v", argv[0], timeout)
	}
	if err != nil {
		return errors.Wrapf(err, "%s: %s", argv[0], out)
	}
	return nil
}
