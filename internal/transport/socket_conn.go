package transport

import (
	"net"

	"github.com/OpenChemistry/molequeue-sub002/internal/rpc"
)

// socketConn adapts a length-prefixed net.Conn (Unix socket or named
// pipe) to the Connection interface.
type socketConn struct {
	*baseConn
	raw net.Conn
}

func newSocketConn(raw net.Conn) *socketConn {
	c := &socketConn{raw: raw}
	c.baseConn = newBaseConn(nextConnID("sock-"), func(data []byte) error {
		return rpc.WriteFrame(raw, data)
	}, DefaultOutboundQueueSize)

	go c.readLoop()
	return c
}

func (c *socketConn) readLoop() {
	fr := rpc.NewFrameReader(c.raw)
	defer c.Close()
	for {
		data, err := fr.ReadFrame()
		if err != nil {
			return
		}
		c.deliver(Packet{Data: data, Endpoint: ""})
	}
}

func (c *socketConn) Close() error {
	err := c.baseConn.Close()
	c.raw.Close()
	return err
}
