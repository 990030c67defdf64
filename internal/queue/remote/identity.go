package remote

import (
	"context"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
)

func readPrivateKey(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// sshDialContext dials addr honoring ctx's deadline/cancellation; the
// stdlib ssh.Dial has no context-aware variant, so this wraps a plain
// net.Dialer with an explicit timeout instead of relying on defaults.
func sshDialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}
