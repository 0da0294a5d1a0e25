// Package serialkiss implements a kiss.Transport over a local serial
// port or pseudo-TTY connected to a TNC, using go.bug.st/serial.
package serialkiss

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"go.bug.st/serial"
)

// Config configures a Serial transport.
type Config struct {
	// Port is the device path, e.g. "/dev/ttyUSB0".
	Port string
	// Mode is the serial line mode. The zero value selects 9600 8N1,
	// which is a reasonable default for a TNC's control port but is
	// rarely the value a real TNC wants: callers should set it explicitly.
	Mode serial.Mode
	Logger log.Logger
	// Receive is called with every chunk of bytes read from the port.
	// Typically this is a kiss.Device's Receive method.
	Receive func([]byte)
}

// Serial is a kiss.Transport backed by an OS serial port.
type Serial struct {
	cfg    Config
	logger log.Logger

	mu     sync.Mutex
	port   serial.Port
	readWg sync.WaitGroup
}

// New constructs a Serial transport. It does not open the port; call
// Open to do that.
func New(cfg Config) *Serial {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Serial{
		cfg:    cfg,
		logger: log.With(logger, "component", "serialkiss.Serial", "port", cfg.Port),
	}
}

// Open opens the serial port and starts the background read loop that
// feeds Receive.
func (s *Serial) Open() error {
	mode := s.cfg.Mode
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	p, err := serial.Open(s.cfg.Port, &mode)
	if err != nil {
		return fmt.Errorf("serialkiss: open %s: %w", s.cfg.Port, err)
	}
	s.mu.Lock()
	s.port = p
	s.mu.Unlock()

	s.readWg.Add(1)
	go func() {
		defer s.readWg.Done()
		s.readLoop(p)
	}()
	return nil
}

func (s *Serial) readLoop(p serial.Port) {
	buf := make([]byte, 4096)
	for {
		n, err := p.Read(buf)
		if n > 0 && s.cfg.Receive != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.cfg.Receive(chunk)
		}
		if err != nil {
			if err != io.EOF {
				level.Error(s.logger).Log("msg", "serial read failed", "err", err)
			}
			return
		}
	}
}

// Close closes the serial port and waits for the read loop to exit.
func (s *Serial) Close() error {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	err := p.Close()
	s.readWg.Wait()
	if err != nil {
		return fmt.Errorf("serialkiss: close %s: %w", s.cfg.Port, err)
	}
	return nil
}

// SendRaw writes data to the serial port.
func (s *Serial) SendRaw(data []byte) error {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("serialkiss: %s not open", s.cfg.Port)
	}
	_, err := p.Write(data)
	if err != nil {
		return fmt.Errorf("serialkiss: write %s: %w", s.cfg.Port, err)
	}
	return nil
}
