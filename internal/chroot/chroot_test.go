package chroot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/pkg/shell/shelltest"
)

func TestWithMountsRunsAndUnmounts(t *testing.T) {
	root := t.TempDir()
	r := shelltest.New()
	env := New(r, nil, root)
	err := env.With(context.Background(), func() error {
		_, err := env.Run(context.Background(), "apt-get", "update")
		return err
	})
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	want := []string{
		"mount --bind /dev " + filepath.Join(root, "dev"),
		"mount --bind /proc " + filepath.Join(root, "proc"),
		"mount --bind /sys " + filepath.Join(root, "sys"),
		"chroot " + root + " apt-get update",
		"umount " + filepath.Join(root, "sys"),
		"umount " + filepath.Join(root, "proc"),
		"umount " + filepath.Join(root, "dev"),
	}
	if diff := cmp.Diff(want, r.Commands()); diff != "" {
		t.Fatalf("commands (-want +got):\n%s", diff)
	}
}

func TestWithUnmountsOnError(t *testing.T) {
	root := t.TempDir()
	r := shelltest.New()
	env := New(r, nil, root)
	boom := errors.New("boom")
	if err := env.With(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err: %v", err)
	}
	if !r.Ran("umount", filepath.Join(root, "dev")) {
		t.Fatalf("mounts not released: %v", r.Commands())
	}
}

func TestMountFailureReleasesPartialMounts(t *testing.T) {
	root := t.TempDir()
	r := shelltest.New().Fail([]string{"mount", "--bind", "/sys"}, 32, "permission denied")
	rec := &console.Recorder{}
	env := New(r, rec, root)
	called := false
	err := env.With(context.Background(), func() error { called = true; return nil })
	if err == nil || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
	want := []string{
		"mount --bind /dev " + filepath.Join(root, "dev"),
		"mount --bind /proc " + filepath.Join(root, "proc"),
		"mount --bind /sys " + filepath.Join(root, "sys"),
		"umount " + filepath.Join(root, "proc"),
		"umount " + filepath.Join(root, "dev"),
	}
	if diff := cmp.Diff(want, r.Commands()); diff != "" {
		t.Fatalf("commands (-want +got):\n%s", diff)
	}
}

func TestRunInputAndApt(t *testing.T) {
	r := shelltest.New().Fail([]string{"chroot", "/t", "apt-get"}, 100, "E: Unable to locate package")
	env := New(r, nil, "/t")
	if _, err := env.RunInput(context.Background(), "me:changeme\n", "chpasswd"); err != nil {
		t.Fatal(err)
	}
	if r.Calls[0].Input != "me:changeme\n" || r.Calls[0].String() != "chroot /t chpasswd" {
		t.Fatalf("call: %+v", r.Calls[0])
	}
	if err := env.AptInstall(context.Background(), "sddm"); err == nil {
		t.Fatalf("apt failure must surface")
	}
	if env.Path("/etc/fstab") != "/t/etc/fstab" {
		t.Fatalf("path: %s", env.Path("/etc/fstab"))
	}
}
