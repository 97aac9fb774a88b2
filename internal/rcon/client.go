package rcon

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	gorcon "github.com/gorcon/rcon"
	"go.uber.org/zap"
)

var (
	// ErrConnRefused: nothing is listening, usually enable-rcon=false or a wrong port.
	ErrConnRefused = errors.New("rcon: connection refused")
	// ErrAuth: the server rejected the password.
	ErrAuth = errors.New("rcon: authentication failed")
	// ErrOutcomeUnknown: ctx ended mid-exchange; the server may still run the command.
	ErrOutcomeUnknown = errors.New("rcon: command outcome unknown")
)

// TransportError wraps any other dial or protocol failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "rcon " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Executor runs one command on the game server.
type Executor interface {
	Execute(ctx context.Context, command string) (string, error)
}

type Config struct {
	Addr        string
	Password    string
	DialTimeout time.Duration
	Deadline    time.Duration
}

// Client opens a fresh authenticated connection for every Execute call.
type Client struct {
	cfg    Config
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Execute dials, authenticates, sends command and closes the connection on every path.
// An empty response is returned as "" with a nil error.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	type result struct {
		resp string
		err  error
	}
	// gorcon has no context support; run the exchange on its own goroutine so a
	// cancelled ctx returns promptly. The dial/IO deadlines bound the goroutine.
	ch := make(chan result, 1)
	go func() {
		resp, err := c.execute(command)
		ch <- result{resp, err}
	}()
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return "", &TransportError{Op: "execute", Err: fmt.Errorf("%w: %w", ErrOutcomeUnknown, ctx.Err())}
	}
}

func (c *Client) execute(command string) (string, error) {
	conn, err := gorcon.Dial(c.cfg.Addr, c.cfg.Password,
		gorcon.SetDialTimeout(c.cfg.DialTimeout),
		gorcon.SetDeadline(c.cfg.Deadline),
	)
	if err != nil {
		return "", classifyDial(err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.logger.Debug("rcon_close_failed", zap.Error(cerr))
		}
	}()

	c.logger.Info("rcon_send", zap.String("addr", c.cfg.Addr), zap.String("command", command))
	resp, err := conn.Execute(command)
	if err != nil {
		return "", &TransportError{Op: "execute", Err: err}
	}
	c.logger.Info("rcon_response", zap.Int("bytes", len(resp)))
	return resp, nil
}

func classifyDial(err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnRefused, err)
	case errors.Is(err, gorcon.ErrAuthFailed):
		return ErrAuth
	default:
		return &TransportError{Op: "dial", Err: err}
	}
}
