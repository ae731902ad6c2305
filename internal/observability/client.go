package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Config describes how to reach the ClickHouse cluster backing the
// observability store.
type Config struct {
	Addr     []string
	Database string
	Username string
	Password string
	TLS      bool

	DialTimeout time.Duration
}

// Open connects to ClickHouse and verifies the connection with a ping,
// failing fast at startup rather than at first write.
func Open(ctx context.Context, cfg Config) (clickhouse.Conn, error) {
	if len(cfg.Addr) == 0 {
		return nil, fmt.Errorf("observability: no ClickHouse address configured")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	opts := &clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: dialTimeout,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	}
	if cfg.TLS {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("observability: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("observability: ping: %w", err)
	}
	return conn, nil
}
