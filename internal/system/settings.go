package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"neonzfs/installer/internal/chroot"
	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/fsatomic"
)

const NetplanFile = "/etc/netplan/01-netcfg.yaml"

type Settings struct {
	Hostname  string
	Domain    string
	Locale    string
	Keyboard  string
	Timezone  string
	Interface string
}

func (s Settings) FQDN() string {
	if s.Domain == "" {
		return s.Hostname
	}
	return s.Hostname + "." + s.Domain
}

func (s Settings) validate() error {
	if s.Hostname == "" || strings.ContainsAny(s.Hostname, ". /") {
		return fmt.Errorf("invalid hostname %q", s.Hostname)
	}
	if s.Timezone == "" || path.IsAbs(s.Timezone) || strings.Contains(s.Timezone, "..") {
		return fmt.Errorf("invalid timezone %q", s.Timezone)
	}
	if s.Locale == "" {
		return errors.New("locale is empty")
	}
	return nil
}

// LocaleGenLine is the locale.gen entry for locale, e.g.
// "en_US.UTF-8 UTF-8".
func LocaleGenLine(locale string) string {
	charset := "UTF-8"
	if i := strings.LastIndex(locale, "."); i >= 0 && i < len(locale)-1 {
		charset = locale[i+1:]
	}
	return locale + " " + charset + "\n"
}

func Keyboard(layout string) string {
	return fmt.Sprintf("XKBMODEL=\"pc105\"\nXKBLAYOUT=%q\nXKBVARIANT=\"\"\nXKBOPTIONS=\"\"\nBACKSPACE=\"guess\"\n", layout)
}

func Hosts(s Settings) string {
	return fmt.Sprintf(`127.0.0.1       localhost
127.0.1.1       %s %s

# The following lines are desirable for IPv6 capable hosts
::1             localhost ip6-localhost ip6-loopback
ff02::1         ip6-allnodes
ff02::2         ip6-allrouters
`, s.FQDN(), s.Hostname)
}

type netplanDoc struct {
	Network netplanNetwork `yaml:"network"`
}

type netplanNetwork struct {
	Version   int                        `yaml:"version"`
	Renderer  string                     `yaml:"renderer"`
	Ethernets map[string]netplanEthernet `yaml:"ethernets"`
}

type netplanEthernet struct {
	DHCP4 bool `yaml:"dhcp4"`
}

// Netplan renders a networkd config bringing iface up with DHCPv4.
func Netplan(iface string) ([]byte, error) {
	doc := netplanDoc{Network: netplanNetwork{
		Version:   2,
		Renderer:  "networkd",
		Ethernets: map[string]netplanEthernet{iface: {DHCP4: true}},
	}}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Apply writes the settings into the target. The caller owns the chroot
// bind mounts.
func Apply(ctx context.Context, env *chroot.Env, out console.Reporter, s Settings) error {
	if out == nil {
		out = console.Discard()
	}
	if err := s.validate(); err != nil {
		return err
	}
	if err := fsatomic.AppendFile(env.Path("/etc/locale.gen"), []byte(LocaleGenLine(s.Locale)), 0o644); err != nil {
		return fmt.Errorf("locale.gen: %w", err)
	}
	if _, err := env.Run(ctx, "locale-gen"); err != nil {
		return err
	}
	netplan, err := Netplan(s.Interface)
	if err != nil {
		return fmt.Errorf("render netplan: %w", err)
	}
	files := []struct {
		path string
		data string
		perm fs.FileMode
	}{
		{"/etc/default/locale", fmt.Sprintf("LANG=%q\n", s.Locale), 0o644},
		{"/etc/default/keyboard", Keyboard(s.Keyboard), 0o644},
		{"/etc/hostname", s.Hostname + "\n", 0o644},
		{"/etc/hosts", Hosts(s), 0o644},
		{NetplanFile, string(netplan), 0o600},
	}
	for _, f := range files {
		if err := fsatomic.WriteFile(env.Path(f.path), []byte(f.data), f.perm); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	if _, err := env.Run(ctx, "ln", "-sf", path.Join("/usr/share/zoneinfo", s.Timezone), "/etc/localtime"); err != nil {
		return fmt.Errorf("set timezone: %w", err)
	}
	out.Successf("System settings configured successfully.")
	return nil
}
