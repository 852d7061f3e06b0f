package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	DefaultConfigPath = "/etc/neon-installer/config.yaml"
	EnvPrefix         = "NEON"
)

type Config struct {
	Log        LogConfig      `mapstructure:"log"`
	DevDir     string         `mapstructure:"devDir"`
	LockFile   string         `mapstructure:"lockFile"`
	Unattended bool           `mapstructure:"unattended"`
	Pool       PoolConfig     `mapstructure:"pool"`
	Datasets   DatasetsConfig `mapstructure:"datasets"`
	Image      ImageConfig    `mapstructure:"image"`
	User       UserConfig     `mapstructure:"user"`
	System     SystemConfig   `mapstructure:"system"`

	LogLevel zerolog.Level `mapstructure:"-"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type PoolConfig struct {
	Name         string   `mapstructure:"name"`
	Layout       string   `mapstructure:"layout"`
	Devices      []string `mapstructure:"devices"`
	Wipe         *bool    `mapstructure:"wipe"`
	TrimSchedule string   `mapstructure:"trimSchedule"`
}

type DatasetsConfig struct {
	SnapshotSchedule string `mapstructure:"snapshotSchedule"`
	SnapshotKeep     int    `mapstructure:"snapshotKeep"`
}

type ImageConfig struct {
	Squashfs string `mapstructure:"squashfs"`
}

type UserConfig struct {
	Name     string `mapstructure:"name"`
	Password string `mapstructure:"password"`
	Shell    string `mapstructure:"shell"`
	SSHKey   string `mapstructure:"sshKey"`
	// SSHMethod is "paste" or "generate"; empty asks the operator.
	SSHMethod string `mapstructure:"sshMethod"`
}

type SystemConfig struct {
	Hostname  string `mapstructure:"hostname"`
	Domain    string `mapstructure:"domain"`
	Locale    string `mapstructure:"locale"`
	Keyboard  string `mapstructure:"keyboard"`
	Timezone  string `mapstructure:"timezone"`
	Interface string `mapstructure:"interface"`
}

// SetDefaults registers the installer defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "/var/log/neon-zfs-installer.log")
	v.SetDefault("devDir", "/dev")
	v.SetDefault("lockFile", "/run/neon-zfs-installer.lock")
	v.SetDefault("unattended", false)
	v.SetDefault("pool.name", "neonpool")
	v.SetDefault("pool.trimSchedule", "@weekly")
	v.SetDefault("datasets.snapshotSchedule", "@daily")
	v.SetDefault("datasets.snapshotKeep", 4)
	v.SetDefault("image.squashfs", "./filesystem.squashfs")
	v.SetDefault("user.name", "me")
	v.SetDefault("user.password", "changeme")
	v.SetDefault("user.shell", "/usr/bin/zsh")
	v.SetDefault("system.hostname", "precision")
	v.SetDefault("system.domain", "")
	v.SetDefault("system.locale", "en_US.UTF-8")
	v.SetDefault("system.keyboard", "us")
	v.SetDefault("system.timezone", "America/New_York")
	v.SetDefault("system.interface", "eth0")
}

// New returns a viper instance with defaults and NEON_* env binding. Nested
// keys map to env names with dots replaced by underscores, so log.level is
// NEON_LOG_LEVEL.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without defaults are invisible to AutomaticEnv during Unmarshal
	for _, k := range []string{"pool.layout", "pool.devices", "pool.wipe", "user.sshKey", "user.sshMethod"} {
		_ = v.BindEnv(k)
	}
	return v
}

// ReadFile loads path into v. A missing file at the default location is not
// an error; an explicitly named file must exist.
func ReadFile(v *viper.Viper, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && (errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// FromViper decodes and validates the configuration.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	// env-only overrides for slices arrive as a single string
	if len(cfg.Pool.Devices) == 1 && strings.ContainsAny(cfg.Pool.Devices[0], ", ") {
		cfg.Pool.Devices = splitList(cfg.Pool.Devices[0])
	}
	level, err := zerolog.ParseLevel(strings.TrimSpace(cfg.Log.Level))
	if err != nil {
		return cfg, fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	cfg.LogLevel = level
	if strings.TrimSpace(cfg.User.Name) == "" {
		return cfg, errors.New("user.name must not be empty")
	}
	if cfg.Datasets.SnapshotKeep < 1 {
		return cfg, fmt.Errorf("datasets.snapshotKeep must be at least 1, got %d", cfg.Datasets.SnapshotKeep)
	}
	switch cfg.User.SSHMethod {
	case "", "paste", "generate":
	default:
		return cfg, fmt.Errorf("user.sshMethod %q: want paste or generate", cfg.User.SSHMethod)
	}
	return cfg, nil
}

// Load reads path (or the default location) and environment overrides.
func Load(path string) (Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

func splitList(s string) []string {
	out := []string{}
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
