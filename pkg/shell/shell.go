package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// Runner executes external programs synchronously. Arguments are passed as
// argv and never interpreted by a shell.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	RunInput(ctx context.Context, input string, name string, args ...string) (string, error)
	Stream(ctx context.Context, onLine func(string), name string, args ...string) error
}

// ExternalCommandError reports a child process that exited nonzero or could
// not be started (ExitCode -1).
type ExternalCommandError struct {
	Argv     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExternalCommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", strings.Join(e.Argv, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec and logs each invocation.
type ExecRunner struct {
	Logger zerolog.Logger
	// Env, when set, replaces the child environment.
	Env []string
}

func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{Logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	res, err := r.run(ctx, nil, name, args...)
	return string(res.Stdout), err
}

func (r *ExecRunner) RunInput(ctx context.Context, input string, name string, args ...string) (string, error) {
	res, err := r.run(ctx, strings.NewReader(input), name, args...)
	return string(res.Stdout), err
}

// Stream runs the command and hands every line of combined output to onLine
// as it arrives. Carriage returns also terminate a line so that progress
// meters which redraw in place are reported.
func (r *ExecRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) error {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Env != nil {
		cmd.Env = r.Env
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	var errBuf bytes.Buffer
	cmd.Stderr = io.MultiWriter(pw, &errBuf)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Split(scanLinesOrCR)
		for sc.Scan() {
			if onLine != nil {
				onLine(sc.Text())
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	_ = pw.Close()
	<-done

	argv := append([]string{name}, args...)
	code := exitCode(err)
	r.Logger.Debug().Strs("argv", argv).Int("code", code).Dur("took", time.Since(start)).Msg("stream")
	if err != nil {
		return &ExternalCommandError{Argv: argv, ExitCode: code, Stderr: truncate(errBuf.String(), 4096), Err: err}
	}
	return nil
}

func (r *ExecRunner) run(ctx context.Context, stdin io.Reader, name string, args ...string) (Result, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Env != nil {
		cmd.Env = r.Env
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	argv := append([]string{name}, args...)
	r.Logger.Debug().Strs("argv", argv).Int("code", res.Code).Dur("took", time.Since(start)).Msg("exec")
	if err != nil {
		return res, &ExternalCommandError{Argv: argv, ExitCode: res.Code, Stderr: truncate(string(res.Stderr), 4096), Err: err}
	}
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
