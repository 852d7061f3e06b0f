// Package chroot runs commands inside the target system with the host's
// /dev, /proc and /sys bound in.
package chroot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/pkg/shell"
)

// BindMounts are bound into the target, in mount order.
var BindMounts = []string{"/dev", "/proc", "/sys"}

type Env struct {
	Root   string
	Runner shell.Runner
	Out    console.Reporter

	mounted []string
}

func New(runner shell.Runner, out console.Reporter, root string) *Env {
	if out == nil {
		out = console.Discard()
	}
	return &Env{Root: root, Runner: runner, Out: out}
}

// Path maps an absolute path in the target to the host.
func (e *Env) Path(p string) string { return filepath.Join(e.Root, p) }

// Mount binds BindMounts into the root. On failure the mounts made so far
// are released.
func (e *Env) Mount(ctx context.Context) error {
	for _, m := range BindMounts {
		target := e.Path(m)
		if err := os.MkdirAll(target, 0o755); err != nil {
			e.Unmount(ctx)
			return fmt.Errorf("mkdir %s: %w", target, err)
		}
		if _, err := e.Runner.Run(ctx, "mount", "--bind", m, target); err != nil {
			e.Unmount(ctx)
			return fmt.Errorf("bind %s: %w", m, err)
		}
		e.mounted = append(e.mounted, target)
	}
	return nil
}

// Unmount releases bind mounts in reverse order. Failures are warnings.
func (e *Env) Unmount(ctx context.Context) {
	for i := len(e.mounted) - 1; i >= 0; i-- {
		if _, err := e.Runner.Run(ctx, "umount", e.mounted[i]); err != nil {
			e.Out.Warnf("Failed to unmount %s: %v", e.mounted[i], err)
		}
	}
	e.mounted = nil
}

// With mounts, runs fn and always unmounts.
func (e *Env) With(ctx context.Context, fn func() error) error {
	if err := e.Mount(ctx); err != nil {
		return err
	}
	defer e.Unmount(ctx)
	return fn()
}

// Run executes name inside the root.
func (e *Env) Run(ctx context.Context, name string, args ...string) (string, error) {
	return e.Runner.Run(ctx, "chroot", append([]string{e.Root, name}, args...)...)
}

// RunInput executes name inside the root with input on stdin.
func (e *Env) RunInput(ctx context.Context, input, name string, args ...string) (string, error) {
	return e.Runner.RunInput(ctx, input, "chroot", append([]string{e.Root, name}, args...)...)
}

// AptInstall runs a non-interactive apt-get install inside the root.
func (e *Env) AptInstall(ctx context.Context, pkgs ...string) error {
	args := append([]string{"install", "-y"}, pkgs...)
	if _, err := e.Run(ctx, "apt-get", args...); err != nil {
		return fmt.Errorf("install %v: %w", pkgs, err)
	}
	return nil
}
