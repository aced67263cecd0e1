package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/pkg/wire"
)

const (
	// maxOutputSize is the maximum number of bytes kept from trainer stdout/stderr (10MB)
	maxOutputSize = 10 * 1024 * 1024

	cancelPollInterval = 100 * time.Millisecond
)

// trainInput is written to the trainer's stdin.
type trainInput struct {
	MixtureID  string          `json:"mixture_id"`
	Chromosome wire.Chromosome `json:"chromosome"`
	Training   DataSet         `json:"training"`
}

// trainOutput is expected on the trainer's stdout.
type trainOutput struct {
	Fitness *float64        `json:"fitness"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// ExecTrainer runs the external training kernel once per mixture.
//
// The command receives a JSON object on stdin:
//
//	{"mixture_id": "...", "chromosome": {"genes": [...]}, "training": {...}}
//
// and must print {"fitness": <number>, "detail": <any>} on stdout and exit 0.
type ExecTrainer struct {
	Command []string
	Timeout time.Duration
	Workdir string
	Worker  string // recorded on the result
	Log     *zap.Logger
}

// Train implements Trainer.
func (e *ExecTrainer) Train(ctx context.Context, db DB, mixtureID string, training DataSet, chromosome wire.Chromosome, cancelled func() bool) error {
	log := logger.Or(e.Log, "trainer").With(zap.String("mixture_id", mixtureID))
	start := time.Now()

	input, err := json.Marshal(trainInput{MixtureID: mixtureID, Chromosome: chromosome, Training: training})
	if err != nil {
		return fmt.Errorf("failed to marshal trainer input: %w", err)
	}

	stdout, stderr, err := e.run(ctx, input, cancelled)
	if err != nil {
		log.Warn("trainer failed", zap.Error(err), zap.String("stderr", truncate(stderr, 500)))
		return err
	}

	output, err := parseTrainOutput(stdout)
	if err != nil {
		return fmt.Errorf("invalid trainer output: %w", err)
	}

	result := TrainResult{
		MixtureID:  mixtureID,
		Fitness:    *output.Fitness,
		Detail:     output.Detail,
		Worker:     e.Worker,
		DurationMs: time.Since(start).Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}
	if err := db.Put(ctx, KindResult, mixtureID, result); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	log.Debug("training complete", zap.Float64("fitness", result.Fitness), zap.Int64("duration_ms", result.DurationMs))
	return nil
}

// run executes the command with input on stdin. It returns the captured output
// and an error if the process failed, timed out, was cancelled or produced
// too much output.
func (e *ExecTrainer) run(ctx context.Context, input []byte, cancelled func() bool) (string, string, error) {
	if len(e.Command) == 0 {
		return "", "", fmt.Errorf("trainer command is empty")
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if e.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.Timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var wasCancelled atomic.Bool
	if cancelled != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(cancelPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-execCtx.Done():
					return
				case <-ticker.C:
					if cancelled() {
						wasCancelled.Store(true)
						cancel()
						return
					}
				}
			}
		}()
	}

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Workdir

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return "", "", fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("failed to start trainer: %w", err)
	}

	go func() {
		defer stdinPipe.Close()
		_, _ = io.Copy(stdinPipe, bytes.NewReader(input))
	}()

	err = cmd.Wait()
	stdout, stderr := stdoutBuf.String(), stderrBuf.String()

	if stdoutBuf.Len() >= maxOutputSize || stderrBuf.Len() >= maxOutputSize {
		return stdout, stderr, fmt.Errorf("trainer output exceeded 10MB limit")
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return stdout, stderr, ctx.Err()
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return stdout, stderr, fmt.Errorf("trainer timed out after %s", e.Timeout)
		case wasCancelled.Load():
			return stdout, stderr, ErrCancelled
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout, stderr, fmt.Errorf("trainer exited with code %d", exitErr.ExitCode())
		}
		return stdout, stderr, err
	}
	return stdout, stderr, nil
}

// ErrCancelled is returned when the cancellation callback stopped training.
var ErrCancelled = errors.New("training cancelled")

func parseTrainOutput(stdout string) (*trainOutput, error) {
	if len(stdout) == 0 {
		return nil, fmt.Errorf("trainer produced no output on stdout")
	}

	var output trainOutput
	if err := json.Unmarshal([]byte(stdout), &output); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if output.Fitness == nil {
		return nil, fmt.Errorf("fitness is required")
	}
	return &output, nil
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// truncate limits a string to maxLen characters, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
