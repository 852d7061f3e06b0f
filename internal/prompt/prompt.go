// Package prompt provides the operator-facing selection capability. Disk
// selection and pool planning receive a Selector so they run the same way
// against a terminal, a preset answer file, or a test double.
package prompt

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
)

// Question IDs double as configuration keys for preset answers.
const (
	QDevices   = "pool.devices"
	QWipe      = "pool.wipe"
	QLayout    = "pool.layout"
	QPoolName  = "pool.name"
	QSquashfs  = "image.squashfs"
	QSSHMethod = "user.sshMethod"
	QSSHKey    = "user.sshKey"
)

var (
	// ErrNoAnswer means an unattended run reached a question with no preset
	// answer and no default.
	ErrNoAnswer = errors.New("no answer provided")
	// ErrInterrupted means the operator pressed Ctrl-C at a prompt.
	ErrInterrupted = errors.New("interrupted")
)

type Question struct {
	ID      string
	Message string
	// Options are shown to the operator. Keys, when set, holds the machine
	// value for each option and is what preset answers are matched against.
	Options []string
	Keys    []string
	Default string
	Help    string
}

func (q Question) key(i int) string {
	if i < len(q.Keys) {
		return q.Keys[i]
	}
	return q.Options[i]
}

// Selector asks the operator questions. Select and MultiSelect return
// indexes into q.Options.
type Selector interface {
	Select(q Question) (int, error)
	MultiSelect(q Question) ([]int, error)
	Input(q Question) (string, error)
	Confirm(q Question) (bool, error)
}

// Interactive asks on the terminal through survey.
type Interactive struct {
	Opts []survey.AskOpt
}

func NewInteractive(opts ...survey.AskOpt) *Interactive {
	return &Interactive{Opts: opts}
}

func (s *Interactive) Select(q Question) (int, error) {
	var idx int
	p := &survey.Select{Message: q.Message, Options: q.Options, Help: q.Help}
	if q.Default != "" {
		if i := q.indexOf(q.Default); i >= 0 {
			p.Default = q.Options[i]
		}
	}
	if err := survey.AskOne(p, &idx, s.Opts...); err != nil {
		return -1, mapErr(err)
	}
	return idx, nil
}

func (s *Interactive) MultiSelect(q Question) ([]int, error) {
	var idx []int
	p := &survey.MultiSelect{Message: q.Message, Options: q.Options, Help: q.Help}
	if err := survey.AskOne(p, &idx, s.Opts...); err != nil {
		return nil, mapErr(err)
	}
	return idx, nil
}

func (s *Interactive) Input(q Question) (string, error) {
	var v string
	p := &survey.Input{Message: q.Message, Default: q.Default, Help: q.Help}
	if err := survey.AskOne(p, &v, s.Opts...); err != nil {
		return "", mapErr(err)
	}
	return strings.TrimSpace(v), nil
}

func (s *Interactive) Confirm(q Question) (bool, error) {
	v := false
	p := &survey.Confirm{Message: q.Message, Default: q.Default == "true", Help: q.Help}
	if err := survey.AskOne(p, &v, s.Opts...); err != nil {
		return false, mapErr(err)
	}
	return v, nil
}

func mapErr(err error) error {
	if errors.Is(err, terminal.InterruptErr) {
		return ErrInterrupted
	}
	return err
}

// Preset answers questions from a fixed set of values keyed by question ID.
// Questions without a preset go to Fallback; with no Fallback the question
// default is used, and ErrNoAnswer is returned when there is none.
type Preset struct {
	Values   map[string][]string
	Fallback Selector
}

func NewPreset(fallback Selector) *Preset {
	return &Preset{Values: map[string][]string{}, Fallback: fallback}
}

// Set records an answer. Empty values are ignored.
func (p *Preset) Set(id string, values ...string) *Preset {
	var vs []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			vs = append(vs, v)
		}
	}
	if len(vs) > 0 {
		p.Values[id] = vs
	}
	return p
}

func (p *Preset) lookup(q Question) ([]string, bool) {
	v, ok := p.Values[q.ID]
	return v, ok && len(v) > 0
}

func (p *Preset) Select(q Question) (int, error) {
	v, ok := p.lookup(q)
	if !ok {
		if p.Fallback != nil {
			return p.Fallback.Select(q)
		}
		if q.Default == "" {
			return -1, fmt.Errorf("%s: %w", q.ID, ErrNoAnswer)
		}
		v = []string{q.Default}
	}
	i := q.indexOf(v[0])
	if i < 0 {
		return -1, fmt.Errorf("%s: %q is not one of %s", q.ID, v[0], strings.Join(q.keys(), ", "))
	}
	return i, nil
}

func (p *Preset) MultiSelect(q Question) ([]int, error) {
	v, ok := p.lookup(q)
	if !ok {
		if p.Fallback != nil {
			return p.Fallback.MultiSelect(q)
		}
		return nil, fmt.Errorf("%s: %w", q.ID, ErrNoAnswer)
	}
	out := make([]int, 0, len(v))
	for _, want := range v {
		i := q.indexOf(want)
		if i < 0 {
			return nil, fmt.Errorf("%s: %q is not one of %s", q.ID, want, strings.Join(q.keys(), ", "))
		}
		if slices.Contains(out, i) {
			return nil, fmt.Errorf("%s: %q given more than once", q.ID, want)
		}
		out = append(out, i)
	}
	return out, nil
}

func (p *Preset) Input(q Question) (string, error) {
	if v, ok := p.lookup(q); ok {
		return v[0], nil
	}
	if p.Fallback != nil {
		return p.Fallback.Input(q)
	}
	if q.Default == "" {
		return "", fmt.Errorf("%s: %w", q.ID, ErrNoAnswer)
	}
	return q.Default, nil
}

func (p *Preset) Confirm(q Question) (bool, error) {
	v, ok := p.lookup(q)
	if !ok {
		if p.Fallback != nil {
			return p.Fallback.Confirm(q)
		}
		if q.Default == "" {
			return false, fmt.Errorf("%s: %w", q.ID, ErrNoAnswer)
		}
		v = []string{q.Default}
	}
	b, err := strconv.ParseBool(v[0])
	if err != nil {
		return false, fmt.Errorf("%s: %w", q.ID, err)
	}
	return b, nil
}

func (q Question) keys() []string {
	out := make([]string, len(q.Options))
	for i := range q.Options {
		out[i] = q.key(i)
	}
	return out
}

func (q Question) indexOf(v string) int {
	for i := range q.Options {
		if q.key(i) == v || q.Options[i] == v {
			return i
		}
	}
	return -1
}
