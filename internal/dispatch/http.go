package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/malloy/porter/internal/task"
)

// executeHTTP performs a single round trip: the task envelope is POSTed
// to url and the Result envelope is read back. Network failures,
// timeouts and non-2xx statuses all become failure Results.
func (d *Dispatcher) executeHTTP(ctx context.Context, url string, t task.Task) task.Result {
	body, err := json.Marshal(t)
	if err != nil {
		return task.Failf("marshalling task: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return task.Failf("building backend request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return task.Failf("backend call timed out")
		}
		return task.Failf("backend unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return task.Failf("backend returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var res task.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return task.Failf("decoding backend response: %v", err)
	}
	return res
}
