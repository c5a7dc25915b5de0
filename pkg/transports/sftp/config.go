package sftp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes the service account used to reach a staging host.
type Config struct {
	Host string `validate:"required,hostname_rfc1123|ip"`
	Port int    `validate:"min=1,max=65535"`
	User string `validate:"required"`

	// PrivateKey is a PEM-encoded key, typically resolved from the vault. It
	// takes precedence over PrivateKeyPath.
	PrivateKey     []byte
	PrivateKeyPath string `validate:"required_without=PrivateKey,omitempty,file"`
	Passphrase     string

	// Host key verification uses KnownHostsPath when set, otherwise the pinned
	// HostKeyFingerprint ("SHA256:..."). InsecureIgnoreHostKey disables it.
	KnownHostsPath        string `validate:"omitempty,file"`
	HostKeyFingerprint    string `validate:"omitempty,startswith=SHA256:"`
	InsecureIgnoreHostKey bool

	DialTimeout time.Duration `validate:"gt=0"`
}

// DefaultConfig returns a config for host and user on port 22.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:        host,
		Port:        22,
		User:        user,
		DialTimeout: 30 * time.Second,
	}
}

var validate = validator.New()

// Validate checks the config. At least one form of host key verification
// must be chosen.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.KnownHostsPath == "" && c.HostKeyFingerprint == "" && !c.InsecureIgnoreHostKey {
		return errors.New("no host key verification configured: set a known_hosts path or a host key fingerprint")
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHConfig builds the client configuration used to dial the host.
func (c *Config) SSHConfig() (*ssh.ClientConfig, error) {
	key := c.PrivateKey
	if len(key) == 0 {
		var err error
		if key, err = os.ReadFile(c.PrivateKeyPath); err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
	}

	var (
		signer ssh.Signer
		err    error
	)
	if c.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         c.DialTimeout,
	}, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch {
	case c.KnownHostsPath != "":
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		return cb, nil
	case c.HostKeyFingerprint != "":
		want := c.HostKeyFingerprint
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			if got := ssh.FingerprintSHA256(key); got != want {
				return fmt.Errorf("host key mismatch for %s: got %s", hostname, got)
			}
			return nil
		}, nil
	default:
		return ssh.InsecureIgnoreHostKey(), nil
	}
}
