package session

import (
	"io"
	"net"
	"time"
)

const readChunk = 4096

// NetTransport adapts a net.Conn to Transport with per-call deadlines.
type NetTransport struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewNetTransport(conn net.Conn, cfg Config) *NetTransport {
	return &NetTransport{
		conn:         conn,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (t *NetTransport) Write(p []byte) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	_, err := t.conn.Write(p)
	return err
}

func (t *NetTransport) Read(p []byte) (int, error) {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	return t.conn.Read(p)
}

func (t *NetTransport) Close() error {
	return t.conn.Close()
}

func (t *NetTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Pump copies r into the connection until r fails or the session ends.
// A read error while the session is still running is reported via Fail.
func (c *Conn) Pump(r io.Reader) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := c.Feed(buf[:n]); ferr != nil {
				return
			}
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				c.Fail(err)
			}
			return
		}
	}
}
