package tunnel

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/un1tz3r0/redisssh/internal/obs"
)

// clientConfig assembles the ssh.ClientConfig for an Endpoint: resolves the
// username, loads the private key and picks the host key policy.
func clientConfig(ep Endpoint) (*ssh.ClientConfig, error) {
	username := ep.User
	if username == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("tunnel: resolve current user: %w", err)
		}
		username = u.Username
	}

	signer, err := loadSigner(ep)
	if err != nil {
		return nil, err
	}

	auth := []ssh.AuthMethod{ssh.PublicKeys(signer)}
	if ep.Password != "" {
		auth = append(auth, ssh.Password(ep.Password))
	}

	hostKeys, err := hostKeyCallback(ep)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         ep.ConnectTimeout,
	}, nil
}

// loadSigner picks the configured key source: an explicit signer, raw PEM
// bytes, or a key file path (defaulting to ~/.ssh/id_rsa like the ssh CLI).
func loadSigner(ep Endpoint) (ssh.Signer, error) {
	if ep.Signer != nil {
		return ep.Signer, nil
	}
	if len(ep.KeyData) > 0 {
		signer, err := ssh.ParsePrivateKey(ep.KeyData)
		if err != nil {
			return nil, fmt.Errorf("tunnel: parse private key data: %w", err)
		}
		return signer, nil
	}
	path := ep.KeyFile
	if path == "" {
		path = "~/.ssh/id_rsa"
	}
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tunnel: read private key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("tunnel: parse private key file %s: %w", path, err)
	}
	return signer, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("tunnel: resolve home dir: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

func hostKeyCallback(ep Endpoint) (ssh.HostKeyCallback, error) {
	if ep.KnownHostsFile != "" {
		path, err := expandHome(ep.KnownHostsFile)
		if err != nil {
			return nil, err
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("tunnel: load known_hosts %s: %w", path, err)
		}
		return cb, nil
	}
	obs.Warn("tunnel.hostkey.insecure", obs.Fields{"host": ep.Host})
	return ssh.InsecureIgnoreHostKey(), nil
}
