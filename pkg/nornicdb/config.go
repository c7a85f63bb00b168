// Package nornicdb is the public driver API: a Graph façade over a
// connection pool, auto-commit and explicit transactions, and managed
// retrying transaction functions.
package nornicdb

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/orneryd/nornicdb-go/pkg/bolt"
)

// DefaultPort is the standard Bolt port.
const DefaultPort = "7687"

// Config holds driver configuration. Zero values fall back to the
// documented defaults at Open time.
type Config struct {
	URI      string
	Username string
	Password string

	Database  string // default database; "" uses the server default
	FetchSize int    // records per PULL; -1 pulls everything at once

	MaxConnections    int
	ConnectionTimeout time.Duration // TCP+TLS+handshake budget
	AcquireTimeout    time.Duration

	// MaxConnectionLifetime and IdleTimeout evict pooled connections
	// by age. Both default to disabled.
	MaxConnectionLifetime time.Duration
	IdleTimeout           time.Duration

	// MaxRetryTime caps the total time spent retrying a managed
	// transaction, backoff included. RetryInitialInterval is the
	// first backoff delay; later delays double, with jitter.
	MaxRetryTime         time.Duration
	RetryInitialInterval time.Duration

	// TLSConfig overrides the TLS settings derived from the URI
	// scheme. Ignored for plain bolt:// and neo4j:// URIs.
	TLSConfig *tls.Config

	UserAgent string
	Logger    bolt.Logger
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		FetchSize:         bolt.DefaultFetchSize,
		MaxConnections:    16,
		ConnectionTimeout: 30 * time.Second,
		AcquireTimeout:    60 * time.Second,
		MaxRetryTime:         30 * time.Second,
		RetryInitialInterval: time.Second,
		UserAgent:            "nornicdb-go/0.1.0",
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	out := *c
	if out.FetchSize == 0 {
		out.FetchSize = def.FetchSize
	}
	if out.MaxConnections <= 0 {
		out.MaxConnections = def.MaxConnections
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = def.ConnectionTimeout
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = def.AcquireTimeout
	}
	if out.MaxRetryTime <= 0 {
		out.MaxRetryTime = def.MaxRetryTime
	}
	if out.RetryInitialInterval <= 0 {
		out.RetryInitialInterval = def.RetryInitialInterval
	}
	if out.UserAgent == "" {
		out.UserAgent = def.UserAgent
	}
	if out.Logger == nil {
		out.Logger = bolt.NoopLogger{}
	}
	return &out
}

// target is the parsed form of a connection URI.
type target struct {
	address  string // host:port
	database string
	username string
	password string
	tls      *tls.Config
	routing  bool // neo4j:// family
}

// parseURI interprets scheme://[user[:pass]@]host[:port][/db]. A bare
// host gets the bolt scheme and default port. The +s variants enable
// TLS against system roots, +ssc additionally accepts self-signed
// certificates.
func parseURI(uri string) (*target, error) {
	if !strings.Contains(uri, "://") {
		uri = "bolt://" + uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid uri %q: %w", uri, err)
	}

	t := &target{}
	scheme := u.Scheme
	base := scheme
	switch {
	case strings.HasSuffix(scheme, "+ssc"):
		base = strings.TrimSuffix(scheme, "+ssc")
		t.tls = &tls.Config{InsecureSkipVerify: true}
	case strings.HasSuffix(scheme, "+s"):
		base = strings.TrimSuffix(scheme, "+s")
		t.tls = &tls.Config{ServerName: u.Hostname()}
	}
	switch base {
	case "bolt":
	case "neo4j":
		t.routing = true
	default:
		return nil, fmt.Errorf("unrecognized uri scheme %q", scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("uri %q has no host", uri)
	}
	port := u.Port()
	if port == "" {
		port = DefaultPort
	}
	t.address = net.JoinHostPort(host, port)

	if u.User != nil {
		t.username = u.User.Username()
		t.password, _ = u.User.Password()
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		t.database = db
	}
	return t, nil
}
