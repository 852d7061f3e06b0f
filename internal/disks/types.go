package disks

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
)

const UnknownModel = "Unknown"

// BlockDevice is a snapshot of one whole NVMe namespace taken at startup.
type BlockDevice struct {
	Path      string
	SizeBytes uint64
	Model     string
	// ExistingFilesystems maps partition path to filesystem type. It never
	// holds empty values.
	ExistingFilesystems map[string]string
}

// Size formats the capacity in GiB with one decimal, e.g. "476.9G".
func (d BlockDevice) Size() string {
	if d.SizeBytes == 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%.1fG", float64(d.SizeBytes)/(1<<30))
}

// HasFilesystems reports whether any partition carries a filesystem.
func (d BlockDevice) HasFilesystems() bool { return len(d.ExistingFilesystems) > 0 }

// FilesystemSummary lists "part: fstype" pairs sorted by partition.
func (d BlockDevice) FilesystemSummary() string {
	return summarize(d.ExistingFilesystems)
}

func summarize(fs map[string]string) string {
	parts := make([]string, 0, len(fs))
	for p := range fs {
		parts = append(parts, p)
	}
	sort.Strings(parts)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, filepath.Base(p)+": "+fs[p])
	}
	return strings.Join(out, ", ")
}

func (d BlockDevice) title() string {
	return fmt.Sprintf("%s (%s, %s)", d.Path, d.Size(), d.Model)
}

// Label is the uncolored form of ColorLabel, used in logs.
func (d BlockDevice) Label() string {
	if d.HasFilesystems() {
		return d.title() + " - Has filesystem(s): " + d.FilesystemSummary()
	}
	return d.title() + " - No formatted partitions"
}

// ColorLabel is the prompt option text, with the filesystem status in red
// or green.
func (d BlockDevice) ColorLabel() string {
	if d.HasFilesystems() {
		return d.title() + " - " + color.RedString("Has filesystem(s): %s", d.FilesystemSummary())
	}
	return d.title() + " - " + color.GreenString("No formatted partitions")
}

// Paths returns the device paths in order.
func Paths(devs []BlockDevice) []string {
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.Path
	}
	return out
}
