package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"neonzfs/installer/internal/config"
	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/disks"
	"neonzfs/installer/internal/installer"
	"neonzfs/installer/internal/pools"
	"neonzfs/installer/pkg/shell"
)

func addInstallFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("pool", "", "pool name")
	f.String("layout", "", "pool layout (single, mirror, raidz1, raidz2)")
	f.StringSlice("device", nil, "NVMe device to use; repeat for several")
	f.Bool("wipe", false, "wipe selected disks that carry filesystems without asking")
	f.String("image", "", "path to filesystem.squashfs")

	_ = v.BindPFlag("pool.name", f.Lookup("pool"))
	_ = v.BindPFlag("pool.layout", f.Lookup("layout"))
	_ = v.BindPFlag("pool.devices", f.Lookup("device"))
	_ = v.BindPFlag("image.squashfs", f.Lookup("image"))
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	// an unset --wipe must leave the question open
	if f := cmd.Flags().Lookup("wipe"); f != nil && f.Changed {
		b, _ := strconv.ParseBool(f.Value.String())
		v.Set("pool.wipe", b)
	}
	return config.FromViper(v)
}

func runInstall(cmd *cobra.Command, args []string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("installer must be run as root")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Unattended && !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal; use --unattended with a config file")
	}

	logFile, logPath, err := installer.OpenLog(cfg.Log.File)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFile.Close()
	logger := installer.Logger(cfg, logFile)
	logger.Info().Str("version", Version).Str("log", logPath).Msg("starting installation")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst := installer.New(cfg, logger, cmd.OutOrStdout())
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		inst.Progress = nil
	}
	sum, err := inst.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("installation failed")
		return fmt.Errorf("installation failed: %w", err)
	}
	logger.Info().
		Str("pool", sum.Pool).
		Str("layout", string(sum.Layout)).
		Strs("devices", sum.Devices).
		Str("efi", sum.EFIPartition).
		Strs("timers", sum.Timers).
		Msg("installation complete")
	return nil
}

func newDisksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disks",
		Short: "List NVMe disks eligible for installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := console.New(cmd.OutOrStdout(), zerolog.Nop())
			inv := disks.New(shell.NewExecRunner(zerolog.Nop()), out, cfg.DevDir)
			devs := inv.ListEligibleDevices(cmd.Context())
			if len(devs) == 0 {
				out.Errorf("No NVMe disks found.")
				return nil
			}
			out.Println(disks.Table(devs))
			return nil
		},
	}
}

func newLayoutsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layouts <disk-count>",
		Short: "Show the pool layouts offered for a number of disks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("disk count must be a non-negative integer: %q", args[0])
			}
			ls := pools.PlanLayouts(n)
			if len(ls) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No layouts available without disks.")
				return nil
			}
			for _, l := range ls {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", l, pools.Describe(l, n))
			}
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			settings := v.AllSettings()
			if u, ok := settings["user"].(map[string]any); ok {
				if _, ok := u["password"]; ok {
					u["password"] = "********"
				}
			}
			b, err := yaml.Marshal(settings)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show installer version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "neon-zfs-installer version %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build time: %s\n", BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  Git commit: %s\n", GitCommit)
		},
	}
}
