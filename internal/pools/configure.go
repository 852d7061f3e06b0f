package pools

import (
	"context"

	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/schedule"
	"neonzfs/installer/pkg/shell"
)

const DefaultTrimSchedule = "@weekly"

// Configurator applies post-create pool properties. Every step is
// best-effort: failures are reported as warnings.
type Configurator struct {
	Runner       shell.Runner
	Out          console.Reporter
	TrimSchedule string
}

// ConfigureResult carries what was applied and the maintenance units to
// install into the target system.
type ConfigureResult struct {
	AutotrimEnabled bool
	Units           []schedule.UnitFile
}

func (c *Configurator) Configure(ctx context.Context, pool string) ConfigureResult {
	var res ConfigureResult
	if _, err := c.Runner.Run(ctx, "zpool", "set", "autotrim=on", pool); err != nil {
		c.Out.Warnf("Failed to enable autotrim, but continuing: %v", err)
	} else {
		res.AutotrimEnabled = true
	}

	units, err := TrimJob(pool, c.TrimSchedule).Units()
	if err != nil {
		c.Out.Warnf("Failed to create TRIM service files, but continuing: %v", err)
		return res
	}
	res.Units = units
	return res
}

// TrimJob is the periodic zpool trim for pool.
func TrimJob(pool, cronExpr string) schedule.Job {
	if cronExpr == "" {
		cronExpr = DefaultTrimSchedule
	}
	return schedule.Job{
		Name:        "zfs-trim",
		Description: "ZFS TRIM",
		Schedule:    cronExpr,
		Requires:    "zfs.target",
		ExecStart:   []string{"/usr/sbin/zpool trim " + pool},
	}
}
