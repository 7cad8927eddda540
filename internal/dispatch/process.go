package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/malloy/porter/internal/task"
)

// pipeWaitDelay bounds how long Wait holds the stdout/stderr pipes open
// after the call context expires. Without it a grandchild process that
// inherits the pipes keeps Wait blocked long past the kill.
const pipeWaitDelay = time.Second

// executeProcess spawns the backend script, writes the task envelope to
// its stdin and reads one Result envelope from its stdout. The child is
// killed when the call timeout expires.
func (d *Dispatcher) executeProcess(ctx context.Context, def Definition, t task.Task) task.Result {
	body, err := json.Marshal(t)
	if err != nil {
		return task.Failf("marshalling task: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, def.Config.Script)
	cmd.WaitDelay = pipeWaitDelay
	cmd.Env = append(os.Environ(), def.Config.Env...)
	cmd.Stdin = bytes.NewReader(body)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return task.Failf("backend call timed out")
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return task.Failf("backend process failed: %s", msg)
	}

	var res task.Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return task.Failf("decoding backend output: %v", err)
	}
	return res
}
