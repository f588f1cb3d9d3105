package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible
// server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          bool
}

// ValkeyProvider implements Provider over a single persistent connection
// speaking the RESP wire protocol. Commands are serialised with a mutex;
// the result cache's traffic is light enough that pooling is not worth it.
type ValkeyProvider struct {
	cfg ValkeyConfig

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewValkeyProvider dials and authenticates against the configured server,
// failing fast when connectivity or credentials are wrong.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}

	p := &ValkeyProvider{cfg: cfg}
	p.mu.Lock()
	err := p.reconnectLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if _, err := p.command("PING"); err != nil {
		p.Close()
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply, err := p.command("GET", key)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, ErrCacheMiss
	}
	return reply, nil
}

// SetNX stores the value only if the key does not already exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	args = append(args, "NX")

	reply, err := p.command(args...)
	if err != nil {
		return false, err
	}
	// SET ... NX answers +OK on insert and nil when the key already exists.
	return reply != nil, nil
}

// Close tears down the connection.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// command writes one RESP command and reads one reply. A nil payload with a
// nil error is the RESP null bulk string.
func (p *ValkeyProvider) command(args ...string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if err := p.reconnectLocked(); err != nil {
			return nil, err
		}
	}

	reply, err := p.roundTripLocked(args)
	if err == nil {
		return reply, nil
	}

	// One reconnect attempt covers idle connections dropped by the server.
	if reconnErr := p.reconnectLocked(); reconnErr != nil {
		return nil, err
	}
	return p.roundTripLocked(args)
}

func (p *ValkeyProvider) reconnectLocked() error {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}

	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host := p.cfg.Addr
		if h, _, splitErr := net.SplitHostPort(p.cfg.Addr); splitErr == nil {
			host = h
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr, &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		})
	} else {
		conn, err = dialer.Dial("tcp", p.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("valkey dial %s: %w", p.cfg.Addr, err)
	}
	p.conn = conn
	p.reader = bufio.NewReader(conn)
	p.writer = bufio.NewWriter(conn)

	if p.cfg.Password != "" {
		args := []string{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		if _, err := p.roundTripLocked(args); err != nil {
			return fmt.Errorf("valkey auth: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if _, err := p.roundTripLocked([]string{"SELECT", strconv.Itoa(p.cfg.DB)}); err != nil {
			return fmt.Errorf("valkey select db %d: %w", p.cfg.DB, err)
		}
	}
	return nil
}

func (p *ValkeyProvider) roundTripLocked(args []string) ([]byte, error) {
	deadline := time.Now().Add(p.cfg.WriteTimeout)
	_ = p.conn.SetWriteDeadline(deadline)

	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(&sb, "$%d\r\n%s\r\n", len(arg), arg)
	}
	if _, err := p.writer.WriteString(sb.String()); err != nil {
		return nil, err
	}
	if err := p.writer.Flush(); err != nil {
		return nil, err
	}

	_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	return p.readReplyLocked()
}

func (p *ValkeyProvider) readReplyLocked() ([]byte, error) {
	line, err := p.readLineLocked()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, errors.New("valkey: empty reply")
	}

	switch line[0] {
	case '+':
		return []byte(line[1:]), nil
	case ':':
		return []byte(line[1:]), nil
	case '-':
		return nil, fmt.Errorf("valkey: %s", line[1:])
	case '_':
		return nil, nil
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			return nil, fmt.Errorf("valkey: bad bulk length %q", line[1:])
		}
		if n < 0 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(p.reader, buf); err != nil {
			return nil, err
		}
		return buf[:n], nil
	default:
		return nil, fmt.Errorf("valkey: unsupported reply type %q", line[0])
	}
}

func (p *ValkeyProvider) readLineLocked() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
