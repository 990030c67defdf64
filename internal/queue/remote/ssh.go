// Package remote implements the SSH-driven batch-queue family (spec
// §4.8): a shared staging/submit/poll/retrieve/cancel skeleton plus a
// per-backend Spec that supplies the literal commands and the
// submit-output / status-line parsers for SGE, PBS, SLURM, and OAR.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshClientFactory opens a control connection to host as user,
// authenticating with the private key at identityFile (optionally
// passphrase-protected). Exists as a seam so tests can substitute an
// in-memory SSH server without touching real network config.
type sshClientFactory func(ctx context.Context, host string, port int, user, identityFile, passphrase string) (*ssh.Client, error)

func dialSSH(ctx context.Context, host string, port int, user, identityFile, passphrase string) (*ssh.Client, error) {
	key, err := readPrivateKey(identityFile)
	if err != nil {
		return nil, fmt.Errorf("remote queue: load identity file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("remote queue: parse identity file: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         controlTimeout,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := sshDialContext(ctx, addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("remote queue: dial %s: %w", addr, err)
	}
	return conn, nil
}

// controlTimeout bounds each command run through runCommand and the
// TCP connect of each control connection. It is a fixed value, not read
// from configuration; pipeTo and pipeFrom transfers are not bounded by it.
const controlTimeout = 30 * time.Second

// runCommand runs one command over client and returns combined
// stdout; a non-nil error carries stderr in its message.
func runCommand(ctx context.Context, client *ssh.Client, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("remote queue: open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("remote queue: command %q: %w: %s", command, err, stderr.String())
		}
		return stdout.String(), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

// pipeTo streams r's contents into command's stdin over client — used
// by stage-in/retrieve to move a tar stream without needing a
// separate SFTP/SCP dependency.
func pipeTo(ctx context.Context, client *ssh.Client, command string, r io.Reader) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("remote queue: open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return fmt.Errorf("remote queue: start %q: %w", command, err)
	}
	if _, err := io.Copy(stdin, r); err != nil {
		return fmt.Errorf("remote queue: stream to %q: %w", command, err)
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return fmt.Errorf("remote queue: %q: %w: %s", command, err, stderr.String())
	}
	return nil
}

// pipeFrom runs command over client and copies its stdout into w —
// the retrieve-side counterpart of pipeTo.
func pipeFrom(ctx context.Context, client *ssh.Client, command string, w io.Writer) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("remote queue: open session: %w", err)
	}
	defer session.Close()

	session.Stdout = w
	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		return fmt.Errorf("remote queue: %q: %w: %s", command, err, stderr.String())
	}
	return nil
}
