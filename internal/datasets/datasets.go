// Package datasets creates the root pool's filesystem hierarchy and swap.
package datasets

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/shirou/gopsutil/v3/mem"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/schedule"
	"neonzfs/installer/pkg/shell"
)

const (
	// SwapFile is the swap file path inside the installed system.
	SwapFile = "/swap/swapfile"

	DefaultSnapshotSchedule = "@daily"
	DefaultSnapshotKeep     = 4
	noSnapshot              = "com.sun:auto-snapshot=false"
)

// TargetRoot is where the new system is mounted during installation. The
// pool is re-imported with this as its altroot.
func TargetRoot(pool string) string { return "/" + pool + "/ROOT" }

// Dataset is a filesystem under the pool with its create-time properties.
type Dataset struct {
	Name  string
	Props []string
}

// Layout lists the datasets for pool in creation order.
func Layout(pool string) []Dataset {
	return []Dataset{
		{Name: pool + "/ROOT", Props: []string{"mountpoint=/"}},
		{Name: pool + "/ROOT/home", Props: []string{"mountpoint=/home"}},
		{Name: pool + "/ROOT/tmp", Props: []string{"mountpoint=/tmp", noSnapshot}},
		{Name: pool + "/ROOT/var", Props: []string{"mountpoint=/var"}},
		{Name: pool + "/swap", Props: []string{"mountpoint=/swap", "compression=off", "primarycache=metadata", noSnapshot}},
	}
}

type Manager struct {
	Runner           shell.Runner
	Out              console.Reporter
	SnapshotSchedule string
	SnapshotKeep     int
	// MemTotal reports physical memory in bytes.
	MemTotal func() (uint64, error)
	// Root overrides TargetRoot(pool) as the altroot.
	Root string
}

func NewManager(runner shell.Runner, out console.Reporter) *Manager {
	return &Manager{
		Runner:           runner,
		Out:              out,
		SnapshotSchedule: DefaultSnapshotSchedule,
		SnapshotKeep:     DefaultSnapshotKeep,
		MemTotal:         physicalMemory,
	}
}

func physicalMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

type Result struct {
	Root    string
	SwapMiB uint64
	Units   []schedule.UnitFile
}

// SwapSizeMiB is a quarter of physical memory, in MiB.
func SwapSizeMiB(memBytes uint64) uint64 { return memBytes / (4 << 20) }

// Create builds the dataset hierarchy, re-imports the pool under
// TargetRoot, and writes and formats the swap file. Snapshot maintenance
// units are returned for installation once the target has an OS.
func (m *Manager) Create(ctx context.Context, pool string) (Result, error) {
	res := Result{Root: m.Root}
	if res.Root == "" {
		res.Root = TargetRoot(pool)
	}
	for _, ds := range Layout(pool) {
		args := []string{"create", "-u"}
		for _, p := range ds.Props {
			args = append(args, "-o", p)
		}
		args = append(args, ds.Name)
		if _, err := m.Runner.Run(ctx, "zfs", args...); err != nil {
			return res, fmt.Errorf("create dataset %s: %w", ds.Name, err)
		}
	}

	if _, err := m.Runner.Run(ctx, "zpool", "export", pool); err != nil {
		return res, fmt.Errorf("export %s: %w", pool, err)
	}
	if _, err := m.Runner.Run(ctx, "zpool", "import", "-R", res.Root, pool); err != nil {
		return res, fmt.Errorf("import %s at %s: %w", pool, res.Root, err)
	}

	units, err := SnapshotJob(pool, m.SnapshotSchedule, m.SnapshotKeep).Units()
	if err != nil {
		m.Out.Warnf("Failed to create snapshot service files, but continuing with installation: %v", err)
	} else {
		res.Units = units
	}

	memTotal, err := m.MemTotal()
	if err != nil {
		return res, fmt.Errorf("read memory size: %w", err)
	}
	res.SwapMiB = SwapSizeMiB(memTotal)
	if res.SwapMiB == 0 {
		return res, fmt.Errorf("swap size is zero for %d bytes of memory", memTotal)
	}
	swap := filepath.Join(res.Root, SwapFile)
	steps := [][]string{
		{"dd", "if=/dev/zero", "of=" + swap, "bs=1M", "count=" + strconv.FormatUint(res.SwapMiB, 10)},
		{"chmod", "600", swap},
		{"mkswap", swap},
	}
	for _, s := range steps {
		if _, err := m.Runner.Run(ctx, s[0], s[1:]...); err != nil {
			return res, fmt.Errorf("swap file: %w", err)
		}
	}
	m.Out.Successf("ZFS datasets created successfully.")
	return res, nil
}

// SnapshotJob takes a recursive @daily-YYYYMMDD snapshot of pool/ROOT and
// keeps the newest keep of them.
func SnapshotJob(pool, cronExpr string, keep int) schedule.Job {
	if cronExpr == "" {
		cronExpr = DefaultSnapshotSchedule
	}
	if keep < 1 {
		keep = DefaultSnapshotKeep
	}
	root := pool + "/ROOT"
	// systemd expands % and $ itself, so both are doubled
	take := fmt.Sprintf("/bin/sh -c '/usr/sbin/zfs snapshot -r %s@daily-$$(date +%%%%Y%%%%m%%%%d)'", root)
	prune := fmt.Sprintf("/bin/sh -c '/usr/sbin/zfs list -H -t snapshot -o name -s creation -d 1 %s | grep \"@daily-\" | head -n -%d | xargs -r -n1 /usr/sbin/zfs destroy -r'", root, keep)
	return schedule.Job{
		Name:        "zfs-snapshot",
		Description: "ZFS Daily Snapshot",
		Schedule:    cronExpr,
		Requires:    "zfs.target",
		ExecStart:   []string{take, prune},
	}
}
