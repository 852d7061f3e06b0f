// Package schedule turns cron expressions into systemd timer/service pairs.
package schedule

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"neonzfs/installer/internal/fsatomic"
)

// UnitDir is where units are written, relative to the target root.
const UnitDir = "etc/systemd/system"

var ErrUnsupported = errors.New("schedule not expressible as OnCalendar")

// UnitFile is one systemd unit to be written into the target system.
type UnitFile struct {
	Name    string
	Content string
}

// Job describes a oneshot service triggered by a timer.
type Job struct {
	// Name is the unit base name; Job emits Name.timer and Name.service.
	Name        string
	Description string
	Schedule    string
	Requires    string
	ExecStart   []string
}

var descriptors = map[string]string{
	"@yearly":   "yearly",
	"@annually": "yearly",
	"@monthly":  "monthly",
	"@weekly":   "weekly",
	"@daily":    "daily",
	"@midnight": "daily",
	"@hourly":   "hourly",
}

var monthNames = map[string]string{
	"jan": "1", "feb": "2", "mar": "3", "apr": "4", "may": "5", "jun": "6",
	"jul": "7", "aug": "8", "sep": "9", "oct": "10", "nov": "11", "dec": "12",
}

var cronDays = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

var dayNames = map[string]string{
	"sun": "0", "mon": "1", "tue": "2", "wed": "3", "thu": "4", "fri": "5", "sat": "6",
}

// OnCalendar converts a standard cron expression (five fields or a
// descriptor such as @weekly) into a systemd OnCalendar value. A leading
// CRON_TZ= or TZ= prefix becomes a trailing timezone. @every is rejected.
func OnCalendar(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", fmt.Errorf("parse %q: %w", expr, err)
	}
	tz := ""
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		i := strings.IndexAny(expr, " \t")
		tz = expr[strings.Index(expr, "=")+1 : i]
		expr = strings.TrimSpace(expr[i:])
	}
	withTZ := func(s string) string {
		if tz == "" {
			return s
		}
		return s + " " + tz
	}

	if strings.HasPrefix(expr, "@") {
		if v, ok := descriptors[strings.ToLower(expr)]; ok {
			return withTZ(v), nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupported, expr)
	}

	f := strings.Fields(expr)
	if len(f) != 5 {
		return "", fmt.Errorf("%w: want 5 fields, got %d", ErrUnsupported, len(f))
	}
	// cron fires when either day field matches, OnCalendar only when both do
	if !wildcard(f[2]) && !wildcard(f[4]) {
		return "", fmt.Errorf("%w: both day-of-month and day-of-week set in %q", ErrUnsupported, expr)
	}
	minute, err := field(f[0], 0, nil)
	if err != nil {
		return "", err
	}
	hour, err := field(f[1], 0, nil)
	if err != nil {
		return "", err
	}
	dom, err := field(f[2], 1, nil)
	if err != nil {
		return "", err
	}
	month, err := field(f[3], 1, monthNames)
	if err != nil {
		return "", err
	}
	dow, err := weekdays(f[4])
	if err != nil {
		return "", err
	}

	out := fmt.Sprintf("*-%s-%s %s:%s:00", month, dom, hour, minute)
	if dow != "" {
		out = dow + " " + out
	}
	return withTZ(out), nil
}

func wildcard(s string) bool { return s == "*" || s == "?" }

// field converts one numeric cron field. start is the first value a "*/n"
// step counts from.
func field(s string, start int, names map[string]string) (string, error) {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		v, err := term(p, start, names)
		if err != nil {
			return "", err
		}
		parts[i] = v
	}
	return strings.Join(parts, ","), nil
}

func term(p string, start int, names map[string]string) (string, error) {
	p = strings.ToLower(p)
	if p == "*" || p == "?" {
		return "*", nil
	}
	rng, step, hasStep := strings.Cut(p, "/")
	if hasStep {
		if rng == "*" {
			return fmt.Sprintf("%02d/%s", start, step), nil
		}
		if strings.Contains(rng, "-") {
			return "", fmt.Errorf("%w: stepped range %q", ErrUnsupported, p)
		}
		return num(rng, names) + "/" + step, nil
	}
	if lo, hi, ok := strings.Cut(rng, "-"); ok {
		return num(lo, names) + ".." + num(hi, names), nil
	}
	return num(rng, names), nil
}

func num(s string, names map[string]string) string {
	if v, ok := names[s]; ok {
		s = v
	}
	if n, err := strconv.Atoi(s); err == nil {
		return fmt.Sprintf("%02d", n)
	}
	return s
}

// weekdays maps the day-of-week field to systemd names; "*" maps to "".
func weekdays(s string) (string, error) {
	if wildcard(s) {
		return "", nil
	}
	day := func(v string) (string, error) {
		v = strings.ToLower(v)
		if d, ok := dayNames[v]; ok {
			v = d
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n >= len(cronDays) {
			return "", fmt.Errorf("%w: weekday %q", ErrUnsupported, v)
		}
		return cronDays[n], nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		if strings.Contains(p, "/") {
			return "", fmt.Errorf("%w: stepped weekday %q", ErrUnsupported, p)
		}
		lo, hi, isRange := strings.Cut(p, "-")
		a, err := day(lo)
		if err != nil {
			return "", err
		}
		if !isRange {
			parts[i] = a
			continue
		}
		b, err := day(hi)
		if err != nil {
			return "", err
		}
		parts[i] = a + ".." + b
	}
	return strings.Join(parts, ","), nil
}

// Units renders the timer and service for j, timer first.
func (j Job) Units() ([]UnitFile, error) {
	if strings.TrimSpace(j.Name) == "" {
		return nil, errors.New("job name is required")
	}
	if len(j.ExecStart) == 0 {
		return nil, fmt.Errorf("job %s: no ExecStart", j.Name)
	}
	cal, err := OnCalendar(j.Schedule)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.Name, err)
	}

	var timer strings.Builder
	fmt.Fprintf(&timer, "[Unit]\nDescription=%s Timer\n\n", j.Description)
	fmt.Fprintf(&timer, "[Timer]\nOnCalendar=%s\nPersistent=true\n\n", cal)
	timer.WriteString("[Install]\nWantedBy=timers.target\n")

	var svc strings.Builder
	fmt.Fprintf(&svc, "[Unit]\nDescription=%s Service\n", j.Description)
	if j.Requires != "" {
		fmt.Fprintf(&svc, "Requires=%s\nAfter=%s\n", j.Requires, j.Requires)
	}
	svc.WriteString("\n[Service]\nType=oneshot\n")
	for _, line := range j.ExecStart {
		fmt.Fprintf(&svc, "ExecStart=%s\n", line)
	}

	return []UnitFile{
		{Name: j.Name + ".timer", Content: timer.String()},
		{Name: j.Name + ".service", Content: svc.String()},
	}, nil
}

// Timers returns the names of the timer units in units.
func Timers(units []UnitFile) []string {
	var out []string
	for _, u := range units {
		if strings.HasSuffix(u.Name, ".timer") {
			out = append(out, u.Name)
		}
	}
	return out
}

// Write stores units under root/etc/systemd/system.
func Write(root string, units []UnitFile) error {
	for _, u := range units {
		p := filepath.Join(root, UnitDir, u.Name)
		if err := fsatomic.WriteFile(p, []byte(u.Content), fs.FileMode(0o644)); err != nil {
			return fmt.Errorf("write %s: %w", u.Name, err)
		}
	}
	return nil
}
