package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"modelgate/internal/domain"
)

const maxSubprocessOutput = 1 << 20

// SubprocessClient drives a model backend exposed as a command line
// program. The prompt is written to stdin and stdout is consumed line by
// line; each line is reported as a progress chunk since these runs can
// take tens of seconds to minutes.
type SubprocessClient struct {
	Command []string
	Timeout time.Duration
}

func (c *SubprocessClient) Generate(ctx context.Context, req domain.BackendRequest, onProgress ProgressFunc) (*domain.BackendResponse, error) {
	if len(c.Command) == 0 {
		return nil, TransportError{Provider: "subprocess", Err: fmt.Errorf("no command configured")}
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, c.Command[0], c.Command[1:]...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, TransportError{Provider: "subprocess", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, TransportError{Provider: "subprocess", Err: err}
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSubprocessOutput)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		onProgress(line)
		if out.Len() > maxSubprocessOutput {
			break
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("timed out after %s: %w", c.Timeout, context.DeadlineExceeded)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return nil, TransportError{Provider: "subprocess", Err: fmt.Errorf("%s", detail)}
	}
	if scanErr != nil {
		return nil, TransportError{Provider: "subprocess", Err: scanErr}
	}
	return &domain.BackendResponse{Text: strings.TrimRight(out.String(), "\n"), Model: c.Command[0]}, nil
}
