// Package desktop installs KDE Plasma from the Neon archive into the target.
package desktop

import (
	"context"
	"fmt"

	"neonzfs/installer/internal/chroot"
	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/fsatomic"
)

const (
	SourcesList = "/etc/apt/sources.list.d/neon.list"
	SDDMTheme   = "/etc/sddm.conf.d/theme.conf"
	NeonRelease = "focal"
)

// Packages installed after the display manager.
var Packages = []string{"language-pack-kde-en", "plasma-desktop", "kde-config-gtk-style", "plasma-integration"}

func NeonSources(release string) string {
	return fmt.Sprintf("deb http://archive.neon.kde.org/user %[1]s main\ndeb-src http://archive.neon.kde.org/user %[1]s main\n", release)
}

// Setup configures the Neon repository, SDDM and Plasma. The caller owns
// the chroot bind mounts.
func Setup(ctx context.Context, env *chroot.Env, out console.Reporter) error {
	if out == nil {
		out = console.Discard()
	}
	if err := fsatomic.WriteFile(env.Path(SourcesList), []byte(NeonSources(NeonRelease)), 0o644); err != nil {
		return fmt.Errorf("write neon sources: %w", err)
	}
	if _, err := env.Run(ctx, "apt-get", "update"); err != nil {
		return err
	}
	if err := env.AptInstall(ctx, "sddm"); err != nil {
		return err
	}
	if err := fsatomic.WriteFile(env.Path(SDDMTheme), []byte("[Theme]\nCurrent=breeze\n"), 0o644); err != nil {
		return fmt.Errorf("write sddm theme: %w", err)
	}
	if err := env.AptInstall(ctx, Packages...); err != nil {
		return err
	}
	if _, err := env.Run(ctx, "systemctl", "enable", "sddm"); err != nil {
		return err
	}
	out.Successf("KDE Plasma desktop configured.")
	return nil
}
