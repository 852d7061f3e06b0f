// Package partition lays out every pool member as an EFI system partition
// followed by a ZFS data partition, and formats the EFI partition of the
// first member.
package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"code.cloudfoundry.org/clock"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/pkg/shell"
)

const (
	BootSizeMiB     = 1024
	EFILabel        = "EFI"
	DefaultAttempts = 5
	DefaultBackoff  = 2 * time.Second
)

// ErrNotAppeared is wrapped by PartitionError when the EFI node never shows up.
var ErrNotAppeared = errors.New("partition node did not appear")

// Plan names the two partitions created on a device. Boot is the device
// path with "1" appended and Data with "2", so /dev/nvme0n1 yields
// /dev/nvme0n11 and /dev/nvme0n12.
type Plan struct {
	Device string
	Boot   string
	Data   string
}

func PlanFor(device string) Plan {
	return Plan{Device: device, Boot: device + "1", Data: device + "2"}
}

// DataPartitions returns the data partition of each device, in order.
func DataPartitions(devices []string) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = PlanFor(d).Data
	}
	return out
}

// PartitionError reports the device and step that failed.
type PartitionError struct {
	Device string
	Step   string
	Err    error
}

func (e *PartitionError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("partitioning: %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("partitioning %s: %s: %v", e.Device, e.Step, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }

// Preparer writes partition tables. Devices are processed one at a time.
type Preparer struct {
	Runner shell.Runner
	Out    console.Reporter
	Clock  clock.Clock
	// Exists reports whether a device node is present.
	Exists   func(path string) bool
	Attempts int
	Backoff  time.Duration
}

func NewPreparer(runner shell.Runner, out console.Reporter, clk clock.Clock) *Preparer {
	if out == nil {
		out = console.Discard()
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Preparer{
		Runner:   runner,
		Out:      out,
		Clock:    clk,
		Exists:   nodeExists,
		Attempts: DefaultAttempts,
		Backoff:  DefaultBackoff,
	}
}

func nodeExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Prepare partitions every device, waits for the first device's EFI node
// and formats it. It returns the EFI partition path.
func (p *Preparer) Prepare(ctx context.Context, devices []string) (string, error) {
	if len(devices) == 0 {
		return "", &PartitionError{Step: "plan", Err: errors.New("no devices")}
	}
	for _, dev := range devices {
		if err := p.layout(ctx, dev); err != nil {
			return "", err
		}
	}
	if _, err := p.Runner.Run(ctx, "sync"); err != nil {
		return "", &PartitionError{Step: "sync", Err: err}
	}

	efi := PlanFor(devices[0]).Boot
	if err := p.waitFor(ctx, efi); err != nil {
		return "", &PartitionError{Device: devices[0], Step: "wait for " + efi, Err: err}
	}
	if _, err := p.Runner.Run(ctx, "mkfs.fat", "-F32", "-n", EFILabel, efi); err != nil {
		return "", &PartitionError{Device: devices[0], Step: "format " + efi, Err: err}
	}
	return efi, nil
}

func (p *Preparer) layout(ctx context.Context, dev string) error {
	p.Out.Infof("Partitioning %s...", dev)
	if _, err := p.Runner.Run(ctx, "wipefs", "--all", dev); err != nil {
		p.Out.Warnf("Failed to run wipefs on %s: %v", dev, err)
	}
	steps := []struct {
		name string
		args []string
	}{
		{"zap partition table", []string{"--zap-all", dev}},
		{"create EFI partition", []string{fmt.Sprintf("--new=1:0:+%dM", BootSizeMiB), "--typecode=1:EF00", "--change-name=1:" + EFILabel, dev}},
		{"create ZFS partition", []string{"--new=2:0:0", "--typecode=2:BF01", "--change-name=2:ZFS", dev}},
	}
	for _, s := range steps {
		if _, err := p.Runner.Run(ctx, "sgdisk", s.args...); err != nil {
			return &PartitionError{Device: dev, Step: s.name, Err: err}
		}
	}
	if _, err := p.Runner.Run(ctx, "partprobe", dev); err != nil {
		if _, err2 := p.Runner.Run(ctx, "blockdev", "--rereadpt", dev); err2 != nil {
			p.Out.Warnf("Failed to reread partition table on %s", dev)
		}
	}
	return nil
}

func (p *Preparer) waitFor(ctx context.Context, path string) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Exists(path) {
			return nil
		}
		p.Out.Infof("Waiting for EFI partition %s to appear (attempt %d/%d)...", path, attempt, attempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Clock.After(p.Backoff):
		}
	}
	if p.Exists(path) {
		return nil
	}
	return ErrNotAppeared
}
