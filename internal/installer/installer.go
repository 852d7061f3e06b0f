package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"neonzfs/installer/internal/chroot"
	"neonzfs/installer/internal/config"
	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/datasets"
	"neonzfs/installer/internal/deploy"
	"neonzfs/installer/internal/desktop"
	"neonzfs/installer/internal/disks"
	"neonzfs/installer/internal/fsatomic"
	"neonzfs/installer/internal/partition"
	"neonzfs/installer/internal/pools"
	"neonzfs/installer/internal/prompt"
	"neonzfs/installer/internal/schedule"
	"neonzfs/installer/internal/system"
	"neonzfs/installer/internal/users"
	"neonzfs/installer/pkg/shell"
)

// ErrAborted means the operator chose no disks or declined the wipe.
var ErrAborted = errors.New("installation aborted")

type Prerequisites interface {
	Check(ctx context.Context) error
}

type Installer struct {
	Config   config.Config
	RunID    string
	Logger   zerolog.Logger
	Runner   shell.Runner
	Out      console.Reporter
	Selector prompt.Selector
	Clock    clock.Clock
	// Progress receives the progress bars; nil hides them.
	Progress io.Writer
	Prereqs  Prerequisites
	// MemTotal, Root and PartitionExists override host probes.
	MemTotal        func() (uint64, error)
	Root            string
	PartitionExists func(string) bool

	devices []disks.BlockDevice
	spec    pools.PoolSpec
	pool    pools.Result
	target  datasets.Result
	units   []schedule.UnitFile
}

// Summary describes a finished installation.
type Summary struct {
	RunID        string
	Pool         string
	Layout       pools.Layout
	Devices      []string
	EFIPartition string
	Root         string
	Timers       []string
	User         string
}

func New(cfg config.Config, logger zerolog.Logger, stdout io.Writer) *Installer {
	id := uuid.NewString()
	logger = logger.With().Str("run_id", id).Logger()
	out := console.New(stdout, logger)
	runner := shell.NewExecRunner(logger)
	var fallback prompt.Selector
	if !cfg.Unattended {
		fallback = prompt.NewInteractive()
	}
	return &Installer{
		Config:   cfg,
		RunID:    id,
		Logger:   logger,
		Runner:   runner,
		Out:      out,
		Selector: NewSelector(cfg, fallback),
		Clock:    clock.NewClock(),
		Progress: stdout,
		Prereqs:  system.NewChecker(runner, out),
	}
}

// NewSelector answers questions from the configuration first and asks
// fallback for the rest. A nil fallback makes the run unattended.
func NewSelector(cfg config.Config, fallback prompt.Selector) *prompt.Preset {
	p := prompt.NewPreset(fallback)
	devs := make([]string, 0, len(cfg.Pool.Devices))
	for _, d := range cfg.Pool.Devices {
		if d != "" && !filepath.IsAbs(d) {
			dir := cfg.DevDir
			if dir == "" {
				dir = "/dev"
			}
			d = filepath.Join(dir, d)
		}
		devs = append(devs, d)
	}
	p.Set(prompt.QDevices, devs...)
	layout := cfg.Pool.Layout
	if l, err := pools.ParseLayout(layout); err == nil {
		layout = string(l)
	}
	p.Set(prompt.QLayout, layout)
	if cfg.Pool.Wipe != nil {
		p.Set(prompt.QWipe, strconv.FormatBool(*cfg.Pool.Wipe))
	}
	method := cfg.User.SSHMethod
	if method == "" && strings.TrimSpace(cfg.User.SSHKey) != "" {
		method = "paste"
	}
	p.Set(prompt.QSSHMethod, method)
	p.Set(prompt.QSSHKey, cfg.User.SSHKey)
	return p
}

type stage struct {
	name    string
	desc    string
	failure string
	run     func(ctx context.Context) error
}

// Run performs the installation. The first failing stage ends the run;
// nothing already done is rolled back.
func (i *Installer) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: i.RunID, User: i.Config.User.Name}

	unlock, err := fsatomic.TryLock(i.Config.LockFile)
	if err != nil {
		if errors.Is(err, fsatomic.ErrLocked) {
			i.Out.Errorf("Another installer is already running.")
		}
		return sum, fmt.Errorf("lock %s: %w", i.Config.LockFile, err)
	}
	defer unlock()

	i.welcome()
	stages := []stage{
		{"prerequisites", "Checking prerequisites", "Prerequisites not met.", i.checkPrerequisites},
		{"disks", "Selecting disks", "No disks selected.", i.selectDisks},
		{"pool", "Creating ZFS pool", "Failed to create ZFS pool.", i.createPool},
		{"datasets", "Creating ZFS datasets", "Failed to create ZFS datasets.", i.createDatasets},
		{"deploy", "Deploying OS", "Failed to deploy OS.", i.deployOS},
		{"desktop", "Configuring KDE Neon", "Failed to configure KDE Neon.", i.configureDesktop},
		{"user", "Setting up user", "Failed to set up user.", i.setupUser},
		{"ssh", "Configuring SSH", "Failed to configure SSH.", i.configureSSH},
		{"system", "Configuring system settings", "Failed to configure system settings.", i.configureSystem},
		{"maintenance", "Installing maintenance timers", "", i.installUnits},
		{"finalize", "Finalizing", "", i.finalize},
	}
	bar := progressbar.NewOptions(len(stages),
		progressbar.OptionSetWriter(i.progress()),
		progressbar.OptionSetDescription("Installing"),
		progressbar.OptionShowCount(),
	)
	for _, s := range stages {
		bar.Describe(s.desc)
		log := i.Logger.With().Str("stage", s.name).Logger()
		log.Info().Msg("stage started")
		if err := s.run(ctx); err != nil {
			log.Error().Err(err).Msg("stage failed")
			i.Out.Errorf("%s Exiting.", s.failure)
			return i.summary(sum), fmt.Errorf("%s: %w", s.name, err)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	sum = i.summary(sum)
	i.Out.Successf("Installation completed successfully!")
	i.Out.Infof("You can now reboot into your new KDE Neon system.")
	i.Out.Infof("Username: %s", i.Config.User.Name)
	i.Out.Infof("Password: %s", i.Config.User.Password)
	i.Out.Warnf("Don't forget to change the password after first login!")
	return sum, nil
}

func (i *Installer) summary(sum Summary) Summary {
	sum.Pool = i.spec.Name
	sum.Layout = i.spec.Layout
	sum.Devices = disks.Paths(i.devices)
	sum.EFIPartition = i.pool.EFIPartition
	sum.Root = i.target.Root
	sum.Timers = schedule.Timers(i.units)
	return sum
}

func (i *Installer) progress() io.Writer {
	if i.Progress == nil {
		return io.Discard
	}
	return i.Progress
}

func (i *Installer) welcome() {
	lines := []string{
		"KDE Neon ZFS Installer",
		"This installer will put KDE Neon on a ZFS root filesystem.",
		"Please make sure you have a backup of any important data before proceeding.",
	}
	if b, ok := i.Out.(interface{ Banner(...string) }); ok {
		b.Banner(lines[0])
		lines = lines[1:]
	}
	for _, ln := range lines {
		i.Out.Infof("%s", ln)
	}
}

func (i *Installer) checkPrerequisites(ctx context.Context) error {
	if i.Prereqs == nil {
		return nil
	}
	return i.Prereqs.Check(ctx)
}

func (i *Installer) selectDisks(ctx context.Context) error {
	inv := disks.New(i.Runner, i.Out, i.Config.DevDir)
	devs, err := inv.SelectDevices(ctx, i.Selector)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return ErrAborted
	}
	i.devices = devs
	i.Logger.Info().Strs("devices", disks.Paths(devs)).Msg("disks selected")
	return nil
}

func (i *Installer) createPool(ctx context.Context) error {
	spec, err := pools.Plan(i.Selector, i.devices, i.Config.Pool.Name)
	if err != nil {
		return err
	}
	i.spec = spec
	prep := partition.NewPreparer(i.Runner, i.Out, i.Clock)
	if i.PartitionExists != nil {
		prep.Exists = i.PartitionExists
	}
	prov := &pools.Provisioner{
		Runner:     i.Runner,
		Out:        i.Out,
		Partitions: prep,
		Configurator: &pools.Configurator{
			Runner:       i.Runner,
			Out:          i.Out,
			TrimSchedule: i.Config.Pool.TrimSchedule,
		},
		OnState: func(s pools.State) {
			i.Logger.Debug().Str("pool", spec.Name).Stringer("state", s).Msg("pool state")
		},
	}
	res, err := prov.Provision(ctx, spec)
	i.pool = res
	if err != nil {
		return err
	}
	i.units = append(i.units, res.Configured.Units...)
	return nil
}

func (i *Installer) createDatasets(ctx context.Context) error {
	m := datasets.NewManager(i.Runner, i.Out)
	m.SnapshotSchedule = i.Config.Datasets.SnapshotSchedule
	m.SnapshotKeep = i.Config.Datasets.SnapshotKeep
	m.Root = i.Root
	if i.MemTotal != nil {
		m.MemTotal = i.MemTotal
	}
	res, err := m.Create(ctx, i.spec.Name)
	i.target = res
	if err != nil {
		return err
	}
	i.units = append(i.units, res.Units...)
	return nil
}

func (i *Installer) deployOS(ctx context.Context) error {
	image, err := i.Selector.Input(prompt.Question{
		ID:      prompt.QSquashfs,
		Message: "Enter path to filesystem.squashfs:",
		Default: i.Config.Image.Squashfs,
	})
	if err != nil {
		return err
	}
	d := deploy.New(i.Runner, i.Out, i.target.Root)
	d.Progress = i.Progress
	return d.Deploy(ctx, deploy.Options{
		Pool:         i.spec.Name,
		EFIPartition: i.pool.EFIPartition,
		Squashfs:     image,
	})
}

// inTarget runs fn with the target's bind mounts in place.
func (i *Installer) inTarget(ctx context.Context, fn func(env *chroot.Env) error) error {
	env := chroot.New(i.Runner, i.Out, i.target.Root)
	return env.With(ctx, func() error { return fn(env) })
}

func (i *Installer) account() users.Account {
	return users.Account{
		Name:     i.Config.User.Name,
		Password: i.Config.User.Password,
		Shell:    i.Config.User.Shell,
		Host:     i.Config.System.Hostname,
	}
}

func (i *Installer) configureDesktop(ctx context.Context) error {
	return i.inTarget(ctx, func(env *chroot.Env) error {
		return desktop.Setup(ctx, env, i.Out)
	})
}

func (i *Installer) setupUser(ctx context.Context) error {
	return i.inTarget(ctx, func(env *chroot.Env) error {
		return users.New(env, i.Out, i.Selector).CreateUser(ctx, i.account())
	})
}

func (i *Installer) configureSSH(ctx context.Context) error {
	return i.inTarget(ctx, func(env *chroot.Env) error {
		return users.New(env, i.Out, i.Selector).ConfigureSSH(ctx, i.account())
	})
}

func (i *Installer) configureSystem(ctx context.Context) error {
	s := i.Config.System
	return i.inTarget(ctx, func(env *chroot.Env) error {
		return system.Apply(ctx, env, i.Out, system.Settings{
			Hostname:  s.Hostname,
			Domain:    s.Domain,
			Locale:    s.Locale,
			Keyboard:  s.Keyboard,
			Timezone:  s.Timezone,
			Interface: s.Interface,
		})
	})
}

// installUnits writes the pool maintenance units into the target and
// enables their timers. Failures are warnings.
func (i *Installer) installUnits(ctx context.Context) error {
	if len(i.units) == 0 {
		return nil
	}
	if err := schedule.Write(i.target.Root, i.units); err != nil {
		i.Out.Warnf("Failed to install maintenance units, but continuing with installation: %v", err)
		i.units = nil
		return nil
	}
	err := i.inTarget(ctx, func(env *chroot.Env) error {
		for _, t := range schedule.Timers(i.units) {
			if _, err := env.Run(ctx, "systemctl", "enable", t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		i.Out.Warnf("Failed to enable maintenance timers, but continuing with installation: %v", err)
		return nil
	}
	i.Out.Successf("Maintenance timers enabled: %s", strings.Join(schedule.Timers(i.units), ", "))
	return nil
}

// finalize unmounts the EFI partition and exports the pool so the new
// system can import it on first boot. Failures are warnings.
func (i *Installer) finalize(ctx context.Context) error {
	efi := filepath.Join(i.target.Root, "boot", "efi")
	if _, err := i.Runner.Run(ctx, "umount", efi); err != nil {
		i.Out.Warnf("Failed to unmount %s: %v", efi, err)
	}
	if _, err := i.Runner.Run(ctx, "zpool", "export", i.spec.Name); err != nil {
		i.Out.Warnf("Failed to export pool %s; run 'zpool export %s' before rebooting.", i.spec.Name, i.spec.Name)
	}
	return nil
}
