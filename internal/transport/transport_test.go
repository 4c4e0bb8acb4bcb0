package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaultDriver", Config{Name: "/dev/ttyUSB0"}, true},
		{"bugst", Config{Driver: DriverBugst, Name: "COM3"}, true},
		{"tcp", Config{Driver: DriverTCP, Name: "192.168.0.10:35000"}, true},
		{"tcpNoPort", Config{Driver: DriverTCP, Name: "192.168.0.10"}, false},
		{"emptyName", Config{Driver: DriverTarm}, false},
		{"badDriver", Config{Driver: "usb", Name: "x"}, false},
	}
	for _, tc := range tests {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	if err := (Config{Driver: "usb", Name: "x"}).Validate(); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestIdle(t *testing.T) {
	if !Idle(nil) || !Idle(os.ErrDeadlineExceeded) {
		t.Fatalf("expected idle for nil/deadline")
	}
	if Idle(io.EOF) || Idle(fmt.Errorf("read: %w", io.EOF)) {
		t.Fatalf("EOF means the peer closed, not idle")
	}
	if Idle(errors.New("device removed")) {
		t.Fatalf("generic error must not be idle")
	}
}

func TestTCPPortPolling(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 16)
		n, _ := c.Read(buf)
		if string(buf[:n]) == "ATI\r" {
			_, _ = c.Write([]byte("ELM327 v1.5\r\r>"))
		}
		<-ctx.Done()
	}()

	p, err := Open(Config{Driver: DriverTCP, Name: ln.Addr().String(), ReadTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	// Nothing sent yet: poll must come back empty without error.
	buf := make([]byte, 64)
	if n, err := p.Read(buf); n != 0 || err != nil {
		t.Fatalf("expected empty poll, got n=%d err=%v", n, err)
	}
	if _, err := p.Write([]byte("ATI\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got []byte
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(got) < len("ELM327 v1.5\r\r>") {
		n, err := p.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "ELM327 v1.5\r\r>" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestTCPPortPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_ = c.Close()
	}()

	p, err := Open(Config{Driver: DriverTCP, Name: ln.Addr().String(), ReadTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()
	buf := make([]byte, 16)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, err := p.Read(buf)
		if err == nil {
			continue
		}
		if Idle(err) {
			t.Fatalf("closed peer reported idle: %v", err)
		}
		return
	}
	t.Fatalf("closed peer never surfaced an error")
}
