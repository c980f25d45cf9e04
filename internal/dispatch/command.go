package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// CommandExecutor runs each sub-call as a child process: the input goes to
// stdin, the role and depth to the environment, and trimmed stdout is the
// output.
type CommandExecutor struct {
	Argv []string
	Dir  string
}

func (c CommandExecutor) Execute(ctx context.Context, call Call) (string, error) {
	if len(c.Argv) == 0 {
		return "", errors.New("dispatch command is not configured")
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = strings.NewReader(call.Input)
	parent, _ := Parent(ctx)
	cmd.Env = append(os.Environ(),
		"TROUPE_ROLE="+string(call.Role),
		"TROUPE_DEPTH="+strconv.Itoa(Depth(ctx)),
		"TROUPE_PARENT="+parent,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s: %w: %s", c.Argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
