//go:build windows

package transport

import "errors"

// ErrPlatformUnsupported is returned by NewLocalListener on platforms
// where the named-pipe primitive isn't wired up yet.
var ErrPlatformUnsupported = errors.New("transport: local named-pipe listener not implemented on this platform")

// LocalListener is a stub on Windows: this build carries no named-pipe
// client library, so the local socket backend only binds on the Unix
// build (see local_unix.go). On Windows, NewLocalListener always
// fails, so the broker's startup stops with that error.
type LocalListener struct{}

func NewLocalListener(path string) (*LocalListener, error) {
	return nil, ErrPlatformUnsupported
}

func (l *LocalListener) Addr() string { return "" }

func (l *LocalListener) Accept() (Connection, error) {
	return nil, ErrPlatformUnsupported
}

func (l *LocalListener) Close() error { return nil }
