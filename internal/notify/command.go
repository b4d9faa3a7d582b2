package notify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command runs an external CLI once per notification:
//
//	<Path> <Args...> <title> <body> <severity>
//
// A non-zero exit, a missing binary or the context deadline all count as
// failures. Output is captured only for the error message.
type Command struct {
	Path string
	Args []string
}

func NewCommand(path string, args ...string) *Command {
	return &Command{Path: path, Args: args}
}

func (c *Command) Notify(ctx context.Context, n Notification) error {
	args := append(append([]string(nil), c.Args...), n.Title, n.Body, string(n.Severity))
	cmd := exec.CommandContext(ctx, c.Path, args...)
	// Children that inherit the output pipe must not hold Run past the deadline.
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("notify command %s: %w", c.Path, ctx.Err())
		}
		msg := strings.TrimSpace(out.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg != "" {
			return fmt.Errorf("notify command %s: %w: %s", c.Path, err, msg)
		}
		return fmt.Errorf("notify command %s: %w", c.Path, err)
	}
	return nil
}
