// Package shelltest provides a scriptable shell.Runner for tests.
package shelltest

import (
	"context"
	"strings"

	"neonzfs/installer/pkg/shell"
)

// Response is the canned outcome of a matched command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Lines are delivered to Stream callbacks before returning.
	Lines []string
}

// Call records one invocation.
type Call struct {
	Argv  []string
	Input string
}

func (c Call) String() string { return strings.Join(c.Argv, " ") }

// Runner matches invocations by argv prefix. The longest matching prefix
// wins; later registrations win ties. Unmatched commands succeed with empty
// output.
type Runner struct {
	Calls []Call

	rules []rule
}

type rule struct {
	prefix []string
	resp   []Response
}

func New() *Runner { return &Runner{} }

// On registers responses for commands starting with argv. When several
// responses are given they are consumed in order and the last one repeats.
func (r *Runner) On(argv []string, resp ...Response) *Runner {
	if len(resp) == 0 {
		resp = []Response{{}}
	}
	r.rules = append(r.rules, rule{prefix: argv, resp: resp})
	return r
}

// Fail is shorthand for a nonzero exit with the given stderr.
func (r *Runner) Fail(argv []string, code int, stderr string) *Runner {
	return r.On(argv, Response{ExitCode: code, Stderr: stderr})
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunInput(ctx, "", name, args...)
}

func (r *Runner) RunInput(_ context.Context, input string, name string, args ...string) (string, error) {
	argv := append([]string{name}, args...)
	r.Calls = append(r.Calls, Call{Argv: argv, Input: input})
	resp := r.match(argv)
	if resp.ExitCode != 0 {
		return resp.Stdout, &shell.ExternalCommandError{Argv: argv, ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	return resp.Stdout, nil
}

func (r *Runner) Stream(_ context.Context, onLine func(string), name string, args ...string) error {
	argv := append([]string{name}, args...)
	r.Calls = append(r.Calls, Call{Argv: argv})
	resp := r.match(argv)
	for _, ln := range resp.Lines {
		if onLine != nil {
			onLine(ln)
		}
	}
	if resp.ExitCode != 0 {
		return &shell.ExternalCommandError{Argv: argv, ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	return nil
}

// Commands returns every recorded invocation joined with spaces.
func (r *Runner) Commands() []string {
	out := make([]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		out = append(out, c.String())
	}
	return out
}

// Ran reports whether a command with the given argv prefix was invoked.
func (r *Runner) Ran(argv ...string) bool {
	for _, c := range r.Calls {
		if hasPrefix(c.Argv, argv) {
			return true
		}
	}
	return false
}

func (r *Runner) match(argv []string) Response {
	best := -1
	bestLen := -1
	for i, ru := range r.rules {
		if hasPrefix(argv, ru.prefix) && len(ru.prefix) >= bestLen {
			best = i
			bestLen = len(ru.prefix)
		}
	}
	if best < 0 {
		return Response{}
	}
	ru := &r.rules[best]
	resp := ru.resp[0]
	if len(ru.resp) > 1 {
		ru.resp = ru.resp[1:]
	}
	return resp
}

func hasPrefix(argv, prefix []string) bool {
	if len(prefix) > len(argv) {
		return false
	}
	for i := range prefix {
		if argv[i] != prefix[i] {
			return false
		}
	}
	return true
}
