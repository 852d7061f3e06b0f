package users

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"neonzfs/installer/internal/fsatomic"
	"neonzfs/installer/internal/prompt"
)

const sshdConfig = `# This is the sshd server system-wide configuration file.
# See sshd_config(5) for more information.

# Security settings
PermitRootLogin no
PasswordAuthentication no
PermitEmptyPasswords no
X11Forwarding no

# Authentication settings
PubkeyAuthentication yes
AuthorizedKeysFile .ssh/authorized_keys

# Other settings
Subsystem sftp /usr/lib/openssh/sftp-server
`

const (
	KeyED25519 = "ed25519"
	KeyECDSA   = "ecdsa"
	KeyRSA     = "rsa"

	RSABits = 4096
)

var DefaultKeyTypes = []string{KeyED25519, KeyECDSA, KeyRSA}

var ErrInvalidKey = errors.New("invalid public key")

// KeyPair is an OpenSSH private key and its authorized_keys line.
type KeyPair struct {
	Type    string
	Private []byte
	Public  []byte
}

// File is the conventional base name, e.g. id_ed25519.
func (k KeyPair) File() string { return "id_" + k.Type }

// GenerateKeys creates one key pair per type, each tagged with comment. A
// nil rnd uses crypto/rand.
func GenerateKeys(rnd io.Reader, comment string, types ...string) ([]KeyPair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	out := make([]KeyPair, 0, len(types))
	for _, t := range types {
		var (
			priv crypto.PrivateKey
			pub  crypto.PublicKey
		)
		switch t {
		case KeyED25519:
			pk, sk, err := ed25519.GenerateKey(rnd)
			if err != nil {
				return nil, fmt.Errorf("generate %s: %w", t, err)
			}
			priv, pub = sk, pk
		case KeyECDSA:
			sk, err := ecdsa.GenerateKey(elliptic.P256(), rnd)
			if err != nil {
				return nil, fmt.Errorf("generate %s: %w", t, err)
			}
			priv, pub = sk, &sk.PublicKey
		case KeyRSA:
			sk, err := rsa.GenerateKey(rnd, RSABits)
			if err != nil {
				return nil, fmt.Errorf("generate %s: %w", t, err)
			}
			priv, pub = sk, &sk.PublicKey
		default:
			return nil, fmt.Errorf("unsupported key type %q", t)
		}
		block, err := ssh.MarshalPrivateKey(priv, comment)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", t, err)
		}
		sshPub, err := ssh.NewPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("public %s: %w", t, err)
		}
		line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
		if comment != "" {
			line += " " + comment
		}
		out = append(out, KeyPair{Type: t, Private: pem.EncodeToMemory(block), Public: []byte(line + "\n")})
	}
	return out, nil
}

// ValidateAuthorizedKey checks that s is a single authorized_keys entry
// and returns it normalized with a trailing newline.
func ValidateAuthorizedKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if _, _, _, rest, err := ssh.ParseAuthorizedKey([]byte(s)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	} else if len(strings.TrimSpace(string(rest))) > 0 {
		return "", fmt.Errorf("%w: more than one key", ErrInvalidKey)
	}
	return s + "\n", nil
}

// ConfigureSSH installs and enables the SSH server. The server config and
// the account's keys are best-effort; an interrupted prompt aborts.
func (p *Provisioner) ConfigureSSH(ctx context.Context, a Account) error {
	if err := p.Env.AptInstall(ctx, "openssh-server"); err != nil {
		return err
	}
	if err := fsatomic.WriteFile(p.Env.Path("/etc/ssh/sshd_config"), []byte(sshdConfig), 0o644); err != nil {
		p.Out.Warnf("Failed to write SSH configuration, but continuing with installation: %v", err)
	}
	if err := p.setupKeys(ctx, a); err != nil {
		if errors.Is(err, prompt.ErrInterrupted) {
			return err
		}
		p.Out.Warnf("Failed to set up SSH keys, but continuing with installation: %v", err)
	}
	if _, err := p.Env.Run(ctx, "systemctl", "enable", "ssh"); err != nil {
		return fmt.Errorf("enable ssh: %w", err)
	}
	p.Out.Successf("SSH configured successfully.")
	return nil
}

func (p *Provisioner) setupKeys(ctx context.Context, a Account) error {
	sshDir := path.Join(a.Home(), ".ssh")
	hostDir := p.Env.Path(sshDir)
	if err := os.MkdirAll(hostDir, 0o700); err != nil {
		return err
	}
	if err := os.Chmod(hostDir, 0o700); err != nil {
		return err
	}

	i, err := p.Selector.Select(prompt.Question{
		ID:      prompt.QSSHMethod,
		Message: "How would you like to set up SSH authentication?",
		Options: []string{"Paste an existing public key", "Generate new key pairs"},
		Keys:    []string{"paste", "generate"},
	})
	if err != nil {
		return err
	}

	var authorized []byte
	if i == 0 {
		key, err := p.Selector.Input(prompt.Question{ID: prompt.QSSHKey, Message: "Paste your public SSH key:"})
		if err != nil {
			return err
		}
		line, err := ValidateAuthorizedKey(key)
		if err != nil {
			return err
		}
		authorized = []byte(line)
	} else {
		pairs, err := GenerateKeys(p.Rand, a.Name+"@"+a.Host, p.KeyTypes...)
		if err != nil {
			return err
		}
		for _, k := range pairs {
			if err := fsatomic.WriteFile(filepath.Join(hostDir, k.File()), k.Private, 0o600); err != nil {
				return err
			}
			if err := fsatomic.WriteFile(filepath.Join(hostDir, k.File()+".pub"), k.Public, 0o644); err != nil {
				return err
			}
			authorized = append(authorized, k.Public...)
		}
		p.Out.Successf("SSH keys generated successfully.")
		p.Out.Infof("Private keys are available in %s/ directory.", sshDir)
	}
	if err := fsatomic.WriteFile(filepath.Join(hostDir, "authorized_keys"), authorized, 0o600); err != nil {
		return err
	}
	if _, err := p.Env.Run(ctx, "chown", "-R", a.owner(), sshDir); err != nil {
		return fmt.Errorf("fix ownership of %s: %w", sshDir, err)
	}
	return nil
}
