package remote

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// stageIn tars the regular files at the top level of localDir
// (subdirectories are skipped) and pipes the stream into `tar -x`
// running in remoteDir over the SSH session (§4.8 step 1). No
// SFTP/SCP dependency is needed: tar-over-ssh moves the files in one
// round trip.
func stageIn(ctx context.Context, client *ssh.Client, localDir, remoteDir string) error {
	var buf bytes.Buffer
	if err := tarDir(&buf, localDir); err != nil {
		return fmt.Errorf("remote queue: tar local working directory: %w", err)
	}
	cmd := fmt.Sprintf("tar -C %s -xf -", shellQuote(remoteDir))
	return pipeTo(ctx, client, cmd, &buf)
}

// retrieveOut runs `tar -cf -` in remoteDir and unpacks the resulting
// stream into localDir (§4.8 step 4).
func retrieveOut(ctx context.Context, client *ssh.Client, remoteDir, localDir string) error {
	var buf bytes.Buffer
	cmd := fmt.Sprintf("tar -C %s -cf - .", shellQuote(remoteDir))
	if err := pipeFrom(ctx, client, cmd, &buf); err != nil {
		return err
	}
	return untarInto(&buf, localDir)
}

// writeRemoteFile writes contents to a single remote file via `cat >
// path`, avoiding a tar round trip for the one-file launch script
// case.
func writeRemoteFile(ctx context.Context, client *ssh.Client, path, contents string) error {
	cmd := fmt.Sprintf("cat > %s && chmod +x %s", shellQuote(path), shellQuote(path))
	return pipeTo(ctx, client, cmd, strings.NewReader(contents))
}

func tarDir(w io.Writer, dir string) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = e.Name()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func untarInto(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		path := filepath.Join(dir, hdr.Name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
}

// shellQuote wraps path in single quotes for safe interpolation into
// a remote shell command, escaping any embedded single quote.
func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
