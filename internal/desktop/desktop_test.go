package desktop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"neonzfs/installer/internal/chroot"
	"neonzfs/installer/pkg/shell/shelltest"
)

func TestSetup(t *testing.T) {
	root := t.TempDir()
	r := shelltest.New()
	if err := Setup(context.Background(), chroot.New(r, nil, root), nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	want := []string{
		"chroot " + root + " apt-get update",
		"chroot " + root + " apt-get install -y sddm",
		"chroot " + root + " apt-get install -y language-pack-kde-en plasma-desktop kde-config-gtk-style plasma-integration",
		"chroot " + root + " systemctl enable sddm",
	}
	if diff := cmp.Diff(want, r.Commands()); diff != "" {
		t.Fatalf("commands (-want +got):\n%s", diff)
	}
	src, err := os.ReadFile(filepath.Join(root, SourcesList))
	if err != nil || !strings.Contains(string(src), "deb http://archive.neon.kde.org/user focal main") {
		t.Fatalf("sources: %q %v", src, err)
	}
	theme, _ := os.ReadFile(filepath.Join(root, SDDMTheme))
	if string(theme) != "[Theme]\nCurrent=breeze\n" {
		t.Fatalf("theme: %q", theme)
	}
}

func TestSetupStopsOnInstallFailure(t *testing.T) {
	root := t.TempDir()
	r := shelltest.New().Fail([]string{"chroot", root, "apt-get", "install", "-y", "sddm"}, 100, "E: broken")
	if err := Setup(context.Background(), chroot.New(r, nil, root), nil); err == nil {
		t.Fatalf("expected failure")
	}
	if r.Ran("chroot", root, "systemctl") {
		t.Fatalf("continued after failure: %v", r.Commands())
	}
}
