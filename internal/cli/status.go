// Package cli implements the broker's human-facing introspection
// commands — thin JSON-RPC clients over the same local socket the
// GUI/library clients use, formatted for a terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/OpenChemistry/molequeue-sub002/internal/rpc"
)

// client is a minimal JSON-RPC round-tripper over the broker's local
// socket, used only for one-shot status queries — not a full
// dispatch.Dispatcher, since the CLI never receives notifications or
// concurrent requests.
type client struct {
	conn net.Conn
}

// Connect dials the broker's local socket at path.
func Connect(socketPath string) (*client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return &client{conn: conn}, nil
}

func (c *client) Close() error { return c.conn.Close() }

func (c *client) call(method string, params any) (*rpc.Message, error) {
	id := rpc.NewID(1)
	data, err := rpc.Request(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := rpc.WriteFrame(c.conn, data); err != nil {
		return nil, err
	}

	fr := rpc.NewFrameReader(c.conn)
	frame, err := fr.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	decoded := rpc.Decode(frame)
	if decoded.ParseErr != nil {
		return nil, decoded.ParseErr
	}
	if len(decoded.Messages) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	msg := decoded.Messages[0]
	if msg.Error != nil {
		return nil, fmt.Errorf("%s (code %d)", msg.Error.Message, msg.Error.Code)
	}
	return msg, nil
}

// IsRunning reports whether a broker is listening at socketPath.
func IsRunning(socketPath string) bool {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Status connects to the broker at socketPath, calls listQueues, and
// writes a human-formatted summary to w. Output is a plain list when
// w is not a terminal, a richer listing otherwise.
func Status(socketPath string, w io.Writer) error {
	started := time.Now()
	c, err := Connect(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	msg, err := c.call("listQueues", nil)
	if err != nil {
		return fmt.Errorf("listQueues: %w", err)
	}

	var queues map[string][]string
	if err := decodeResult(msg, &queues); err != nil {
		return err
	}

	elapsed := humanize.RelTime(started, time.Now(), "", "")
	isTTY := false
	if f, ok := w.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}

	if len(queues) == 0 {
		fmt.Fprintln(w, "No queues configured")
		return nil
	}

	if isTTY {
		fmt.Fprintf(w, "Connected to %s (round-trip %s)\n\n", socketPath, elapsed)
	}
	for name, programs := range queues {
		fmt.Fprintf(w, "%s\t%s\n", name, humanize.Comma(int64(len(programs))))
		for _, p := range programs {
			fmt.Fprintf(w, "  - %s\n", p)
		}
	}
	return nil
}

func decodeResult(msg *rpc.Message, v any) error {
	if msg.Result == nil {
		return fmt.Errorf("no result in response")
	}
	return json.Unmarshal(msg.Result, v)
}
