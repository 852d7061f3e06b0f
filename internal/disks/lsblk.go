package disks

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/pkg/shell"
)

var nvmeName = regexp.MustCompile(`^nvme(\d+)n(\d+)$`)

// Inventory enumerates and describes NVMe devices.
type Inventory struct {
	Runner shell.Runner
	Out    console.Reporter
	// DevDir is scanned for device nodes; defaults to /dev.
	DevDir string
}

func New(runner shell.Runner, out console.Reporter, devDir string) *Inventory {
	if devDir == "" {
		devDir = "/dev"
	}
	if out == nil {
		out = console.Discard()
	}
	return &Inventory{Runner: runner, Out: out, DevDir: devDir}
}

// ListEligibleDevices returns whole NVMe namespaces in natural (N, M) order.
// A failure to read DevDir is reported to the operator and yields an empty
// slice; per-device query failures degrade to zero values.
func (inv *Inventory) ListEligibleDevices(ctx context.Context) []BlockDevice {
	names, err := EligibleNames(inv.DevDir)
	if err != nil {
		inv.Out.Errorf("Failed to list disks: %v", err)
		return []BlockDevice{}
	}
	out := make([]BlockDevice, 0, len(names))
	for _, n := range names {
		path := filepath.Join(inv.DevDir, n)
		out = append(out, BlockDevice{
			Path:                path,
			SizeBytes:           inv.size(ctx, path),
			Model:               inv.model(ctx, path),
			ExistingFilesystems: inv.partitions(ctx, path),
		})
	}
	return out
}

// EligibleNames reads dir and returns nvme<N>n<M> entries sorted by the
// numeric pair.
func EligibleNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type key struct {
		name string
		n, m int
	}
	var keys []key
	for _, e := range entries {
		sm := nvmeName.FindStringSubmatch(e.Name())
		if sm == nil {
			continue
		}
		n, _ := strconv.Atoi(sm[1])
		m, _ := strconv.Atoi(sm[2])
		keys = append(keys, key{name: e.Name(), n: n, m: m})
	}
	slices.SortFunc(keys, func(a, b key) int {
		if c := cmp.Compare(a.n, b.n); c != 0 {
			return c
		}
		return cmp.Compare(a.m, b.m)
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.name
	}
	return out, nil
}

func firstLine(s string) string {
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			return ln
		}
	}
	return ""
}

func (inv *Inventory) size(ctx context.Context, path string) uint64 {
	out, err := inv.Runner.Run(ctx, "lsblk", "-d", "-b", "-n", "-o", "SIZE", path)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(firstLine(out), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (inv *Inventory) model(ctx context.Context, path string) string {
	out, err := inv.Runner.Run(ctx, "lsblk", "-d", "-n", "-o", "MODEL", path)
	if err != nil {
		return UnknownModel
	}
	if m := firstLine(out); m != "" {
		return m
	}
	return UnknownModel
}

// partitions reads the line-oriented NAME,FSTYPE listing. Rows without a
// filesystem have a single column and are skipped.
func (inv *Inventory) partitions(ctx context.Context, path string) map[string]string {
	fs := map[string]string{}
	out, err := inv.Runner.Run(ctx, "lsblk", "-n", "-l", "-p", "-o", "NAME,FSTYPE", path)
	if err != nil {
		return fs
	}
	for _, ln := range strings.Split(out, "\n") {
		f := strings.Fields(ln)
		if len(f) < 2 || f[1] == "" {
			continue
		}
		t := f[1]
		if t == "ntfs" {
			t = "ntfs (Windows)"
		}
		fs[f[0]] = t
	}
	return fs
}

type lsblkJSON struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name     string        `json:"name"`
	KName    string        `json:"kname"`
	FSType   *string       `json:"fstype"`
	Children []lsblkDevice `json:"children"`
}

// FilesystemInfo maps the device and its partitions to filesystem types
// using lsblk JSON output. Missing children or fstype keys are tolerated.
func (inv *Inventory) FilesystemInfo(ctx context.Context, path string) map[string]string {
	fs := map[string]string{}
	out, err := inv.Runner.Run(ctx, "lsblk", "-o", "NAME,KNAME,FSTYPE", "-J", "-p", path)
	if err != nil {
		inv.Out.Warnf("Failed to get filesystem info for %s: %v", path, err)
		return fs
	}
	var tree lsblkJSON
	if err := json.Unmarshal([]byte(out), &tree); err != nil {
		inv.Out.Warnf("Failed to get filesystem info for %s: %v", path, err)
		return fs
	}
	if len(tree.Blockdevices) == 0 {
		return fs
	}
	add := func(d lsblkDevice) {
		if d.FSType == nil || strings.TrimSpace(*d.FSType) == "" {
			return
		}
		key := d.KName
		if key == "" {
			key = d.Name
		}
		fs[key] = strings.TrimSpace(*d.FSType)
	}
	dev := tree.Blockdevices[0]
	add(dev)
	for _, c := range dev.Children {
		add(c)
	}
	return fs
}

// Wipe clears signatures and partition tables. wipefs is best-effort;
// sgdisk and sync failures abort.
func (inv *Inventory) Wipe(ctx context.Context, devs []BlockDevice) error {
	for _, d := range devs {
		inv.Out.Infof("Wiping disk %s...", d.Path)
		if _, err := inv.Runner.Run(ctx, "wipefs", "--all", d.Path); err != nil {
			inv.Out.Warnf("Failed to run wipefs on %s: %v", d.Path, err)
		}
		if _, err := inv.Runner.Run(ctx, "sgdisk", "--zap-all", d.Path); err != nil {
			return fmt.Errorf("wipe %s: %w", d.Path, err)
		}
		if _, err := inv.Runner.Run(ctx, "sync"); err != nil {
			return fmt.Errorf("wipe %s: %w", d.Path, err)
		}
	}
	return nil
}
