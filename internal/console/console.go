// Package console carries user-visible installer output. Every message is
// printed in color for the operator and mirrored into the structured log.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

// Reporter is the output surface handed to every installer component.
type Reporter interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Successf(format string, args ...any)
}

type Console struct {
	out    io.Writer
	logger zerolog.Logger

	warn    *color.Color
	err     *color.Color
	success *color.Color
	banner  *color.Color
}

func New(out io.Writer, logger zerolog.Logger) *Console {
	return &Console{
		out:     out,
		logger:  logger,
		warn:    color.New(color.FgYellow, color.Bold),
		err:     color.New(color.FgRed, color.Bold),
		success: color.New(color.FgGreen, color.Bold),
		banner:  color.New(color.FgBlue, color.Bold),
	}
}

func (c *Console) Infof(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(c.out, msg)
	c.logger.Info().Msg(msg)
}

func (c *Console) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(c.out, "%s %s\n", c.warn.Sprint("Warning:"), msg)
	c.logger.Warn().Msg(msg)
}

func (c *Console) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(c.out, "%s %s\n", c.err.Sprint("Error:"), msg)
	c.logger.Error().Msg(msg)
}

func (c *Console) Successf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(c.out, c.success.Sprint(msg))
	c.logger.Info().Msg(msg)
}

// Banner prints a heading without a log mirror.
func (c *Console) Banner(lines ...string) {
	for _, ln := range lines {
		fmt.Fprintln(c.out, c.banner.Sprint(ln))
	}
}

// Println writes raw text, e.g. a rendered table.
func (c *Console) Println(s string) {
	fmt.Fprintln(c.out, s)
}

// Discard returns a Reporter that drops everything.
func Discard() Reporter { return discard{} }

type discard struct{}

func (discard) Infof(string, ...any)    {}
func (discard) Warnf(string, ...any)    {}
func (discard) Errorf(string, ...any)   {}
func (discard) Successf(string, ...any) {}

// Level tags a recorded message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

type Message struct {
	Level Level
	Text  string
}

// Recorder keeps messages in memory for assertions.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
}

func (r *Recorder) add(l Level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Level: l, Text: fmt.Sprintf(format, args...)})
}

func (r *Recorder) Infof(format string, args ...any)    { r.add(LevelInfo, format, args...) }
func (r *Recorder) Warnf(format string, args ...any)    { r.add(LevelWarn, format, args...) }
func (r *Recorder) Errorf(format string, args ...any)   { r.add(LevelError, format, args...) }
func (r *Recorder) Successf(format string, args ...any) { r.add(LevelSuccess, format, args...) }

// Texts returns the texts recorded at level l.
func (r *Recorder) Texts(l Level) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.Messages {
		if m.Level == l {
			out = append(out, m.Text)
		}
	}
	return out
}
