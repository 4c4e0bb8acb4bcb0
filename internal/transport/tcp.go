package transport

import (
	"fmt"
	"net"
	"time"
)

const tcpDialTimeout = 3 * time.Second

// tcpPort turns a stream socket into a polled port: every Read waits at most
// readTimeout and reports (0, nil) when nothing arrived.
type tcpPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

func dialTCP(cfg Config) (Port, error) {
	c, err := net.DialTimeout("tcp", cfg.Name, tcpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", cfg.Name, err)
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return &tcpPort{conn: c, readTimeout: cfg.ReadTimeout}, nil
}

func (p *tcpPort) Read(b []byte) (int, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	n, err := p.conn.Read(b)
	if err != nil && n == 0 {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
	}
	return n, err
}

func (p *tcpPort) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *tcpPort) Close() error                { return p.conn.Close() }

// ResetInputBuffer drains whatever is already queued on the socket.
func (p *tcpPort) ResetInputBuffer() error {
	buf := make([]byte, 256)
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := p.conn.Read(buf)
		if n == 0 || err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			return err
		}
	}
}
