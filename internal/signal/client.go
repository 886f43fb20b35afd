package signal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/basket/sandcastle/internal/command"
	"github.com/basket/sandcastle/internal/fsutil"
)

// DefaultPollInterval backs up fsnotify when waiting for a result.
const DefaultPollInterval = 200 * time.Millisecond

// Client submits commands to a running daemon through the signal directory.
type Client struct {
	Dir  string
	Poll time.Duration
}

func NewClient(dir string) *Client {
	return &Client{Dir: dir, Poll: DefaultPollInterval}
}

// Send drops c as a command file and waits for its result. The command
// file is withdrawn if ctx ends before the daemon picks it up.
func (c *Client) Send(ctx context.Context, cmd command.Command) (command.Outcome, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return command.Outcome{}, fmt.Errorf("create signal dir: %w", err)
	}
	name := "cli-" + uuid.NewString()
	if cmd.RequestID == "" {
		cmd.RequestID = name
	}
	cmdPath := filepath.Join(c.Dir, name+CommandSuffix)
	resultPath := filepath.Join(c.Dir, name+ResultSuffix)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return command.Outcome{}, err
	}
	defer fsw.Close()
	if err := fsw.Add(c.Dir); err != nil {
		return command.Outcome{}, fmt.Errorf("watch %s: %w", c.Dir, err)
	}
	if err := fsutil.WriteJSON(cmdPath, cmd); err != nil {
		return command.Outcome{}, fmt.Errorf("write command file: %w", err)
	}

	poll := c.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		out, ok, err := readResult(resultPath)
		if err != nil {
			return command.Outcome{}, err
		}
		if ok {
			return out, nil
		}
		select {
		case <-ctx.Done():
			_ = os.Remove(cmdPath)
			return command.Outcome{}, fmt.Errorf("wait for %s: %w", filepath.Base(resultPath), ctx.Err())
		case <-fsw.Events:
		case <-fsw.Errors:
		case <-ticker.C:
		}
	}
}

func readResult(path string) (command.Outcome, bool, error) {
	var out command.Outcome
	err := fsutil.ReadJSON(path, &out)
	if errors.Is(err, fs.ErrNotExist) {
		return out, false, nil
	}
	if err != nil {
		return out, false, fmt.Errorf("read result: %w", err)
	}
	_ = os.Remove(path)
	return out, true, nil
}
