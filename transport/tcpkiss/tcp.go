// Package tcpkiss implements a kiss.Transport over a TCP connection to a
// KISS-over-TCP TNC (e.g. direwolf's "kiss tcp" port, or soundmodem).
package tcpkiss

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Config configures a TCP transport.
type Config struct {
	// Addr is the "host:port" to dial.
	Addr string
	// DialTimeout bounds Open. Zero means no timeout.
	DialTimeout time.Duration
	Logger      log.Logger
	// Receive is called with every chunk of bytes read from the
	// connection. Typically this is a kiss.Device's Receive method.
	Receive func([]byte)
}

// TCP is a kiss.Transport backed by a TCP connection.
type TCP struct {
	cfg    Config
	logger log.Logger

	mu     sync.Mutex
	conn   net.Conn
	readWg sync.WaitGroup
}

// New constructs a TCP transport. It does not dial; call Open to do that.
func New(cfg Config) *TCP {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &TCP{
		cfg:    cfg,
		logger: log.With(logger, "component", "tcpkiss.TCP", "addr", cfg.Addr),
	}
}

// Open dials the configured address and starts the background read loop
// that feeds Receive.
func (t *TCP) Open() error {
	conn, err := net.DialTimeout("tcp", t.cfg.Addr, t.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("tcpkiss: dial %s: %w", t.cfg.Addr, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.readWg.Add(1)
	go func() {
		defer t.readWg.Done()
		t.readLoop(conn)
	}()
	return nil
}

func (t *TCP) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 && t.cfg.Receive != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.cfg.Receive(chunk)
		}
		if err != nil {
			if err != io.EOF {
				level.Error(t.logger).Log("msg", "tcp read failed", "err", err)
			}
			return
		}
	}
}

// Close closes the connection and waits for the read loop to exit.
func (t *TCP) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	t.readWg.Wait()
	if err != nil {
		return fmt.Errorf("tcpkiss: close %s: %w", t.cfg.Addr, err)
	}
	return nil
}

// SendRaw writes data to the connection.
func (t *TCP) SendRaw(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("tcpkiss: %s not open", t.cfg.Addr)
	}
	_, err := conn.Write(data)
	if err != nil {
		return fmt.Errorf("tcpkiss: write %s: %w", t.cfg.Addr, err)
	}
	return nil
}
