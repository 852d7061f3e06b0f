// Package system checks the live host before installation and applies
// locale, keyboard, time and network settings to the target.
package system

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sys/unix"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/pkg/shell"
)

var (
	ErrUnsupportedOS = errors.New("this installer is only compatible with Linux")
	ErrNotRoot       = errors.New("this installer must be run as root")
)

// RequiredCommands must be on PATH, in check order.
var RequiredCommands = []string{"zpool", "zfs", "sgdisk", "mkfs.fat", "rsync", "unsquashfs", "chroot"}

// CommandPackages maps each required command to the package providing it.
var CommandPackages = map[string]string{
	"zpool":      "zfsutils-linux",
	"zfs":        "zfsutils-linux",
	"sgdisk":     "gdisk",
	"mkfs.fat":   "dosfstools",
	"rsync":      "rsync",
	"unsquashfs": "squashfs-tools",
	"chroot":     "coreutils",
}

type Checker struct {
	Runner shell.Runner
	Out    console.Reporter
	GOOS   string
	Euid   func() int
	// HostInfo describes the host for the log; errors are ignored.
	HostInfo func(ctx context.Context) (*host.InfoStat, error)
}

func NewChecker(runner shell.Runner, out console.Reporter) *Checker {
	if out == nil {
		out = console.Discard()
	}
	return &Checker{
		Runner:   runner,
		Out:      out,
		GOOS:     runtime.GOOS,
		Euid:     unix.Geteuid,
		HostInfo: host.InfoWithContext,
	}
}

// Check verifies the host OS and privileges, then installs the packages
// for any missing command and verifies them again.
func (c *Checker) Check(ctx context.Context) error {
	if c.GOOS != "linux" {
		return fmt.Errorf("%w (running on %s)", ErrUnsupportedOS, c.GOOS)
	}
	if c.Euid() != 0 {
		return ErrNotRoot
	}
	if c.HostInfo != nil {
		if info, err := c.HostInfo(ctx); err == nil {
			c.Out.Infof("Host: %s %s (kernel %s)", info.Platform, info.PlatformVersion, info.KernelVersion)
		}
	}

	missing := c.MissingCommands(ctx)
	if len(missing) == 0 {
		return nil
	}
	pkgs := Packages(missing)
	c.Out.Infof("Installing packages: %s", strings.Join(pkgs, ", "))
	if _, err := c.Runner.Run(ctx, "apt", "update"); err != nil {
		return fmt.Errorf("install required packages: %w", err)
	}
	if _, err := c.Runner.Run(ctx, "apt", append([]string{"install", "-y"}, pkgs...)...); err != nil {
		return fmt.Errorf("install required packages: %w", err)
	}
	for _, cmd := range missing {
		if !c.available(ctx, cmd) {
			return fmt.Errorf("command %q still missing after installing %s", cmd, CommandPackages[cmd])
		}
		c.Out.Successf("Command '%s' is now available.", cmd)
	}
	return nil
}

// MissingCommands returns the required commands not found on PATH.
func (c *Checker) MissingCommands(ctx context.Context) []string {
	var missing []string
	for _, cmd := range RequiredCommands {
		if !c.available(ctx, cmd) {
			c.Out.Warnf("Required command '%s' not found. Attempting to install...", cmd)
			missing = append(missing, cmd)
		}
	}
	return missing
}

func (c *Checker) available(ctx context.Context, cmd string) bool {
	_, err := c.Runner.Run(ctx, "which", cmd)
	return err == nil
}

// Packages maps commands to packages without duplicates, in first-seen order.
func Packages(cmds []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range cmds {
		p, ok := CommandPackages[c]
		if !ok {
			p = c
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
