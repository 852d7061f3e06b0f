package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"neonzfs/installer/internal/chroot"
	"neonzfs/installer/internal/console"
	"neonzfs/installer/pkg/shell/shelltest"
)

func checker(r *shelltest.Runner, rec *console.Recorder) *Checker {
	c := NewChecker(r, rec)
	c.GOOS = "linux"
	c.Euid = func() int { return 0 }
	c.HostInfo = nil
	return c
}

func TestCheckAllPresent(t *testing.T) {
	r := shelltest.New()
	if err := checker(r, &console.Recorder{}).Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(r.Calls) != len(RequiredCommands) || r.Ran("apt") {
		t.Fatalf("commands: %v", r.Commands())
	}
}

func TestCheckInstallsMissing(t *testing.T) {
	r := shelltest.New().
		On([]string{"which", "zpool"}, shelltest.Response{ExitCode: 1}, shelltest.Response{}).
		On([]string{"which", "zfs"}, shelltest.Response{ExitCode: 1}, shelltest.Response{}).
		On([]string{"which", "sgdisk"}, shelltest.Response{ExitCode: 1}, shelltest.Response{})
	rec := &console.Recorder{}
	if err := checker(r, rec).Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !r.Ran("apt", "update") || !r.Ran("apt", "install", "-y", "zfsutils-linux", "gdisk") {
		t.Fatalf("commands: %v", r.Commands())
	}
	if len(rec.Texts(console.LevelWarn)) != 3 || len(rec.Texts(console.LevelSuccess)) != 3 {
		t.Fatalf("messages: %+v", rec.Messages)
	}
}

func TestCheckStillMissing(t *testing.T) {
	r := shelltest.New().Fail([]string{"which", "unsquashfs"}, 1, "")
	if err := checker(r, &console.Recorder{}).Check(context.Background()); err == nil || !strings.Contains(err.Error(), "unsquashfs") {
		t.Fatalf("err: %v", err)
	}
}

func TestCheckHost(t *testing.T) {
	c := checker(shelltest.New(), &console.Recorder{})
	c.GOOS = "darwin"
	if err := c.Check(context.Background()); !errors.Is(err, ErrUnsupportedOS) {
		t.Fatalf("err: %v", err)
	}
	c.GOOS = "linux"
	c.Euid = func() int { return 1000 }
	if err := c.Check(context.Background()); !errors.Is(err, ErrNotRoot) {
		t.Fatalf("err: %v", err)
	}
}

func TestPackagesDedup(t *testing.T) {
	got := Packages([]string{"zfs", "zpool", "chroot", "mystery"})
	if diff := cmp.Diff([]string{"zfsutils-linux", "coreutils", "mystery"}, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestNetplan(t *testing.T) {
	b, err := Netplan("eth0")
	if err != nil {
		t.Fatal(err)
	}
	want := "network:\n  version: 2\n  renderer: networkd\n  ethernets:\n    eth0:\n      dhcp4: true\n"
	if string(b) != want {
		t.Fatalf("got:\n%s", b)
	}
}

var defaults = Settings{
	Hostname:  "precision",
	Domain:    "home.example",
	Locale:    "en_US.UTF-8",
	Keyboard:  "us",
	Timezone:  "America/New_York",
	Interface: "eth0",
}

func TestApply(t *testing.T) {
	root := t.TempDir()
	r := shelltest.New()
	if err := Apply(context.Background(), chroot.New(r, nil, root), nil, defaults); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"chroot " + root + " locale-gen",
		"chroot " + root + " ln -sf /usr/share/zoneinfo/America/New_York /etc/localtime",
	}
	if diff := cmp.Diff(want, r.Commands()); diff != "" {
		t.Fatalf("commands (-want +got):\n%s", diff)
	}
	read := func(p string) string {
		b, err := os.ReadFile(filepath.Join(root, p))
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}
	if got := read("etc/locale.gen"); got != "en_US.UTF-8 UTF-8\n" {
		t.Fatalf("locale.gen %q", got)
	}
	if got := read("etc/default/locale"); got != "LANG=\"en_US.UTF-8\"\n" {
		t.Fatalf("locale %q", got)
	}
	if got := read("etc/hostname"); got != "precision\n" {
		t.Fatalf("hostname %q", got)
	}
	if !strings.Contains(read("etc/hosts"), "127.0.1.1       precision.home.example precision\n") {
		t.Fatalf("hosts:\n%s", read("etc/hosts"))
	}
	if !strings.Contains(read("etc/default/keyboard"), "XKBLAYOUT=\"us\"\n") {
		t.Fatalf("keyboard:\n%s", read("etc/default/keyboard"))
	}
	st, err := os.Stat(filepath.Join(root, NetplanFile))
	if err != nil || st.Mode().Perm() != 0o600 {
		t.Fatalf("netplan: %v %v", st, err)
	}
}

func TestApplyRejectsBadSettings(t *testing.T) {
	bad := defaults
	bad.Timezone = "../../etc/shadow"
	r := shelltest.New()
	if err := Apply(context.Background(), chroot.New(r, nil, t.TempDir()), nil, bad); err == nil {
		t.Fatalf("expected error")
	}
	if len(r.Calls) != 0 {
		t.Fatalf("ran: %v", r.Commands())
	}
}
