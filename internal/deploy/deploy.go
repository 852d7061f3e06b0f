// Package deploy puts the operating system image onto the mounted target
// and makes it bootable.
package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"

	"neonzfs/installer/internal/chroot"
	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/datasets"
	"neonzfs/installer/internal/fsatomic"
	"neonzfs/installer/pkg/shell"
)

const BootloaderID = "ubuntu"

var percentRe = regexp.MustCompile(`(\d{1,3})%`)

type Deployer struct {
	Runner shell.Runner
	Out    console.Reporter
	Env    *chroot.Env
	// Progress receives the extraction progress bar; nil hides it.
	Progress io.Writer
}

func New(runner shell.Runner, out console.Reporter, root string) *Deployer {
	if out == nil {
		out = console.Discard()
	}
	return &Deployer{Runner: runner, Out: out, Env: chroot.New(runner, out, root)}
}

type Options struct {
	Pool         string
	EFIPartition string
	Squashfs     string
}

// Deploy mounts the target filesystems, extracts the image, writes fstab
// and installs GRUB. fstab is best-effort.
func (d *Deployer) Deploy(ctx context.Context, o Options) error {
	if _, err := d.Runner.Run(ctx, "zfs", "mount", "-a"); err != nil {
		return fmt.Errorf("mount datasets: %w", err)
	}
	efiDir := d.Env.Path("/boot/efi")
	if err := os.MkdirAll(efiDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", efiDir, err)
	}
	if _, err := d.Runner.Run(ctx, "mount", o.EFIPartition, efiDir); err != nil {
		return fmt.Errorf("mount EFI partition: %w", err)
	}

	if err := d.Extract(ctx, o.Squashfs); err != nil {
		return err
	}

	if err := d.WriteFstab(ctx, o.EFIPartition); err != nil {
		d.Out.Warnf("Failed to generate fstab, but continuing with installation: %v", err)
	}

	if err := d.Env.With(ctx, func() error { return d.bootloader(ctx, o.Pool) }); err != nil {
		return fmt.Errorf("bootloader: %w", err)
	}
	d.Out.Successf("OS deployed successfully.")
	return nil
}

// Extract unpacks image into the root, driving a progress bar from the
// percentages unsquashfs prints.
func (d *Deployer) Extract(ctx context.Context, image string) error {
	if _, err := os.Stat(image); err != nil {
		return fmt.Errorf("squashfs image %s: %w", image, err)
	}
	w := d.Progress
	if w == nil {
		w = io.Discard
	}
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Extracting filesystem..."),
		progressbar.OptionClearOnFinish(),
	)
	onLine := func(line string) {
		if p, ok := ParsePercent(line); ok {
			_ = bar.Set(p)
		}
	}
	if err := d.Runner.Stream(ctx, onLine, "unsquashfs", "-f", "-d", d.Env.Root, image); err != nil {
		return fmt.Errorf("extract filesystem: %w", err)
	}
	_ = bar.Finish()
	return nil
}

// ParsePercent returns the last percentage on an unsquashfs progress line.
func ParsePercent(line string) (int, bool) {
	m := percentRe.FindAllStringSubmatch(line, -1)
	if len(m) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil || n > 100 {
		return 0, false
	}
	return n, true
}

// WriteFstab writes the EFI and swap entries. The EFI partition is named
// by UUID when blkid can read it.
func (d *Deployer) WriteFstab(ctx context.Context, efi string) error {
	src := efi
	if out, err := d.Runner.Run(ctx, "blkid", "-s", "UUID", "-o", "value", efi); err == nil {
		if uuid := strings.TrimSpace(out); uuid != "" {
			src = "UUID=" + uuid
		}
	}
	var b strings.Builder
	b.WriteString("# /etc/fstab: static file system information.\n")
	b.WriteString("# ZFS datasets are mounted by zfs-mount.service.\n#\n")
	b.WriteString("# <file system>\t<mount point>\t<type>\t<options>\t<dump>\t<pass>\n")
	fmt.Fprintf(&b, "%s\t/boot/efi\tvfat\tdefaults\t0\t1\n", src)
	fmt.Fprintf(&b, "%s\tnone\tswap\tsw\t0\t0\n", datasets.SwapFile)
	return fsatomic.WriteFile(d.Env.Path("/etc/fstab"), []byte(b.String()), 0o644)
}

// GrubCmdline is appended to /etc/default/grub so the kernel boots from
// pool/ROOT.
func GrubCmdline(pool string) string {
	return fmt.Sprintf("\n# ZFS specific settings\nGRUB_CMDLINE_LINUX_DEFAULT=\"quiet splash root=ZFS=%s/ROOT\"\n", pool)
}

func (d *Deployer) bootloader(ctx context.Context, pool string) error {
	if _, err := d.Env.Run(ctx, "apt-get", "update"); err != nil {
		return err
	}
	if err := d.Env.AptInstall(ctx, "zfsutils-linux", "grub-efi-amd64"); err != nil {
		return err
	}
	if err := fsatomic.AppendFile(d.Env.Path("/etc/default/grub"), []byte(GrubCmdline(pool)), 0o644); err != nil {
		return fmt.Errorf("configure grub: %w", err)
	}
	steps := [][]string{
		{"grub-install", "--target=x86_64-efi", "--efi-directory=/boot/efi", "--bootloader-id=" + BootloaderID, "--recheck"},
		{"update-grub"},
		{"update-initramfs", "-u", "-k", "all"},
	}
	for _, s := range steps {
		if _, err := d.Env.Run(ctx, s[0], s[1:]...); err != nil {
			return err
		}
	}
	return nil
}
