// Package ipcclient is a small dialer for the control socket, used by
// cmd/wardenctl and by tests exercising the server end to end.
package ipcclient

import (
	"bufio"
	"net"
	"time"

	"github.com/wardenhq/warden/internal/ipcproto"
)

// Client holds one open connection to the control socket.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Dial connects to the Unix socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}, nil
}

// Call sends req and waits for the matching response.
func (c *Client) Call(req ipcproto.Request) (ipcproto.Response, error) {
	if err := ipcproto.Encode(c.w, req); err != nil {
		return ipcproto.Response{}, err
	}
	frame, err := ipcproto.ReadFrame(c.r)
	if err != nil {
		return ipcproto.Response{}, err
	}
	return ipcproto.DecodeResponse(frame)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
