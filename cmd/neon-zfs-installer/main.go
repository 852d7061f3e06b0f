package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"neonzfs/installer/internal/config"
)

var (
	// Version info (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "neon-zfs-installer",
	Short: "Install KDE Neon on a ZFS root",
	Long: `neon-zfs-installer installs KDE Neon onto a ZFS pool built from one or
more NVMe disks.

It partitions the selected disks, creates the pool and its datasets,
extracts the live image, installs GRUB, the Plasma desktop, a user account
with SSH access and basic system settings.`,
	SilenceUsage: true,
	RunE:         runInstall,
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultConfigPath+")")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-file", "", "log file path")
	pf.String("dev-dir", "", "directory scanned for NVMe device nodes")
	pf.Bool("unattended", false, "never prompt; use configured answers and defaults")

	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.file", pf.Lookup("log-file"))
	_ = v.BindPFlag("devDir", pf.Lookup("dev-dir"))
	_ = v.BindPFlag("unattended", pf.Lookup("unattended"))

	addInstallFlags(rootCmd)

	rootCmd.AddCommand(
		newDisksCmd(),
		newLayoutsCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
}

func initConfig() {
	if err := config.ReadFile(v, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
