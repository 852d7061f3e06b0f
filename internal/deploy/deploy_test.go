package deploy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/pkg/shell/shelltest"
)

func TestParsePercent(t *testing.T) {
	cases := map[string]int{
		"[=====|        ] 1200/5000  24%": 24,
		"100%":                            100,
		"created 5 files 0% 57%":          57,
	}
	for in, want := range cases {
		got, ok := ParsePercent(in)
		if !ok || got != want {
			t.Fatalf("%q: got %d %v", in, got, ok)
		}
	}
	for _, in := range []string{"Parallel unsquashfs: Using 8 processors", "250%"} {
		if _, ok := ParsePercent(in); ok {
			t.Fatalf("%q should not parse", in)
		}
	}
}

func image(t *testing.T) string {
	p := filepath.Join(t.TempDir(), "filesystem.squashfs")
	if err := os.WriteFile(p, []byte("hsqs"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDeploy(t *testing.T) {
	root := t.TempDir()
	img := image(t)
	if err := os.MkdirAll(filepath.Join(root, "etc", "default"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "etc", "default", "grub"), []byte("GRUB_DEFAULT=0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := shelltest.New().
		On([]string{"unsquashfs"}, shelltest.Response{Lines: []string{"Parallel unsquashfs", "[==   ] 10%", "[=====] 100%"}}).
		On([]string{"blkid"}, shelltest.Response{Stdout: "ABCD-1234\n"})
	var bar bytes.Buffer
	d := New(r, &console.Recorder{}, root)
	d.Progress = &bar

	err := d.Deploy(context.Background(), Options{Pool: "neonpool", EFIPartition: "/dev/nvme0n11", Squashfs: img})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	want := []string{
		"zfs mount -a",
		"mount /dev/nvme0n11 " + filepath.Join(root, "boot", "efi"),
		"unsquashfs -f -d " + root + " " + img,
		"blkid -s UUID -o value /dev/nvme0n11",
		"mount --bind /dev " + filepath.Join(root, "dev"),
		"mount --bind /proc " + filepath.Join(root, "proc"),
		"mount --bind /sys " + filepath.Join(root, "sys"),
		"chroot " + root + " apt-get update",
		"chroot " + root + " apt-get install -y zfsutils-linux grub-efi-amd64",
		"chroot " + root + " grub-install --target=x86_64-efi --efi-directory=/boot/efi --bootloader-id=ubuntu --recheck",
		"chroot " + root + " update-grub",
		"chroot " + root + " update-initramfs -u -k all",
		"umount " + filepath.Join(root, "sys"),
		"umount " + filepath.Join(root, "proc"),
		"umount " + filepath.Join(root, "dev"),
	}
	if diff := cmp.Diff(want, r.Commands()); diff != "" {
		t.Fatalf("commands (-want +got):\n%s", diff)
	}

	fstab, err := os.ReadFile(filepath.Join(root, "etc", "fstab"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(fstab), "UUID=ABCD-1234\t/boot/efi\tvfat") || !strings.Contains(string(fstab), "/swap/swapfile\tnone\tswap") {
		t.Fatalf("fstab:\n%s", fstab)
	}
	grub, _ := os.ReadFile(filepath.Join(root, "etc", "default", "grub"))
	if !strings.HasPrefix(string(grub), "GRUB_DEFAULT=0\n") || !strings.Contains(string(grub), `root=ZFS=neonpool/ROOT"`) {
		t.Fatalf("grub:\n%s", grub)
	}
	if bar.Len() == 0 {
		t.Fatalf("progress bar wrote nothing")
	}
}

func TestDeployMissingImage(t *testing.T) {
	r := shelltest.New()
	d := New(r, nil, t.TempDir())
	err := d.Deploy(context.Background(), Options{Pool: "p", EFIPartition: "/dev/x1", Squashfs: filepath.Join(t.TempDir(), "none.squashfs")})
	if err == nil {
		t.Fatalf("expected missing image error")
	}
	if r.Ran("unsquashfs") || r.Ran("chroot") {
		t.Fatalf("must stop before extraction: %v", r.Commands())
	}
}

func TestDeployBootloaderFailureUnmounts(t *testing.T) {
	root := t.TempDir()
	r := shelltest.New().Fail([]string{"chroot", root, "grub-install"}, 1, "no EFI")
	d := New(r, nil, root)
	if err := d.Deploy(context.Background(), Options{Pool: "p", EFIPartition: "/dev/x1", Squashfs: image(t)}); err == nil {
		t.Fatalf("expected failure")
	}
	if !r.Ran("umount", filepath.Join(root, "dev")) {
		t.Fatalf("bind mounts leaked: %v", r.Commands())
	}
}

func TestFstabFallsBackToDevicePath(t *testing.T) {
	root := t.TempDir()
	r := shelltest.New().Fail([]string{"blkid"}, 2, "")
	if err := New(r, nil, root).WriteFstab(context.Background(), "/dev/nvme0n11"); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(filepath.Join(root, "etc", "fstab"))
	if !strings.Contains(string(b), "/dev/nvme0n11\t/boot/efi") {
		t.Fatalf("fstab:\n%s", b)
	}
}
