// Package users creates the operator account in the target system and
// configures its shell and SSH access.
package users

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"neonzfs/installer/internal/chroot"
	"neonzfs/installer/internal/console"
	"neonzfs/installer/internal/fsatomic"
	"neonzfs/installer/internal/prompt"
)

const DefaultShell = "/usr/bin/zsh"

// BasePackages are installed before the account is created.
var BasePackages = []string{"sudo", "zsh", "curl", "git", "neovim", "htop"}

const zshrc = `# Path to your oh-my-zsh installation.
export ZSH=$HOME/.oh-my-zsh

# Set name of the theme to load
ZSH_THEME="robbyrussell"

# Plugins
plugins=(git docker kubectl)

source $ZSH/oh-my-zsh.sh

# User configuration
export EDITOR='nvim'
export VISUAL='nvim'

# Aliases
alias ll='ls -la'
alias vim='nvim'
alias vi='nvim'

# History settings
HISTSIZE=10000
SAVEHIST=10000
HISTFILE=~/.zsh_history
`

type Account struct {
	Name     string
	Password string
	Shell    string
	// Host is used in generated key comments (name@host).
	Host string
}

func (a Account) Home() string { return path.Join("/home", a.Name) }

func (a Account) owner() string { return a.Name + ":" + a.Name }

type Provisioner struct {
	Env      *chroot.Env
	Out      console.Reporter
	Selector prompt.Selector
	// Rand feeds key generation.
	Rand io.Reader
	// KeyTypes are generated when the operator asks for new keys.
	KeyTypes []string
}

func New(env *chroot.Env, out console.Reporter, sel prompt.Selector) *Provisioner {
	if out == nil {
		out = console.Discard()
	}
	return &Provisioner{Env: env, Out: out, Selector: sel, Rand: rand.Reader, KeyTypes: DefaultKeyTypes}
}

// CreateUser installs base packages and creates the account with
// passwordless sudo. The sudoers drop-in and shell profile are
// best-effort. The caller owns the chroot bind mounts.
func (p *Provisioner) CreateUser(ctx context.Context, a Account) error {
	if a.Name == "" {
		return errors.New("user name is empty")
	}
	if a.Shell == "" {
		a.Shell = DefaultShell
	}
	if err := p.Env.AptInstall(ctx, BasePackages...); err != nil {
		return err
	}
	if _, err := p.Env.Run(ctx, "useradd", "-m", "-s", a.Shell, a.Name); err != nil {
		return fmt.Errorf("create user %s: %w", a.Name, err)
	}
	if _, err := p.Env.RunInput(ctx, a.Name+":"+a.Password+"\n", "chpasswd"); err != nil {
		return fmt.Errorf("set password for %s: %w", a.Name, err)
	}
	if err := p.writeSudoers(a); err != nil {
		p.Out.Warnf("Failed to configure sudo, but continuing with installation: %v", err)
	}
	if err := p.writeProfile(a); err != nil {
		p.Out.Warnf("Failed to configure shell, but continuing with installation: %v", err)
	}
	if _, err := p.Env.Run(ctx, "chown", "-R", a.owner(), a.Home()); err != nil {
		return fmt.Errorf("fix ownership of %s: %w", a.Home(), err)
	}
	p.Out.Successf("User setup completed successfully.")
	return nil
}

func (p *Provisioner) writeSudoers(a Account) error {
	line := a.Name + " ALL=(ALL) NOPASSWD: ALL\n"
	return fsatomic.WriteFile(p.Env.Path(path.Join("/etc/sudoers.d", a.Name)), []byte(line), 0o440)
}

func (p *Provisioner) writeProfile(a Account) error {
	home := p.Env.Path(a.Home())
	var errs []error
	if path.Base(a.Shell) == "zsh" {
		errs = append(errs, fsatomic.WriteFile(filepath.Join(home, ".zshrc"), []byte(zshrc), 0o644))
	}
	errs = append(errs, fsatomic.WriteFile(filepath.Join(home, ".hushlogin"), nil, 0o644))
	errs = append(errs, disableMotd(p.Env.Path("/etc/update-motd.d")))
	return errors.Join(errs...)
}

// disableMotd clears the execute bits on every script in dir.
func disableMotd(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if st.IsDir() {
			continue
		}
		errs = append(errs, os.Chmod(m, st.Mode().Perm()&^0o111))
	}
	return errors.Join(errs...)
}
