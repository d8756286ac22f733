package endpointkit

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Conn is the full-duplex byte stream a decorator wraps. Base transports
// (net.Conn, a serial port handle, …) already satisfy it.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Decorator wraps an underlying stream, preserving the Conn contract,
// propagating errors unchanged, and releasing its own resources when the
// wrapped stream is closed.
type Decorator func(Conn, EndpointURL) (Conn, error)

// BuildStack derives the decorator chain from the URL's scheme vector and
// query flags and applies it to base, the already-dialed physical/transport
// connection. Order follows SPEC_FULL.md §3.3: security decorators from
// the scheme stack, then the two query-flag decorators.
func BuildStack(base Conn, u EndpointURL) (Conn, error) {
	stream := base
	for _, s := range u.Schemes {
		switch s {
		case SchemeTLS, SchemeDTLS:
			wrapped, err := tlsDecorator(stream, u)
			if err != nil {
				return nil, err
			}
			stream = wrapped
		default:
			// Physical/transport and network-enhancement schemes carry
			// no decorator of their own yet (quic/tsn/prp are dial-time
			// concerns, not stream wrappers).
		}
	}

	if rate, ok := u.Query["rate"]; ok {
		wrapped, err := rateLimitDecorator(stream, rate)
		if err != nil {
			return nil, err
		}
		stream = wrapped
	}

	if u.Query["halfduplex"] == "1" {
		stream = halfDuplexDecorator(stream)
	}

	return stream, nil
}

// tlsDecorator is a stub: concrete TLS/DTLS wrapping is a transport
// decision (cert source, SNI, mutual auth config) out of this core's
// scope per spec.md's Non-goals. It fails closed rather than silently
// passing plaintext through what the URL asked to be encrypted.
func tlsDecorator(_ Conn, _ EndpointURL) (Conn, error) {
	return nil, fmt.Errorf("%w: tls/dtls decorator body", ErrUnsupportedScheme)
}

// tokenBucket is a simple rate limiter: capacity tokens, refilled at
// refillPerSec tokens/second, consumed one per write.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(capacity, refillRate float64) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, refillRate: refillRate, lastRefill: time.Now()}
}

func (b *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// wait blocks until at least one token is available, then consumes it.
func (b *tokenBucket) wait() {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

type rateLimitedConn struct {
	Conn
	bucket *tokenBucket
}

func (c *rateLimitedConn) Write(p []byte) (int, error) {
	c.bucket.wait()
	return c.Conn.Write(p)
}

// rateLimitDecorator applies a token-bucket rate limit on writes: "?rate=Npps"
// gives capacity 2N, refill N/s, per SPEC_FULL.md §3.3.
func rateLimitDecorator(stream Conn, rateStr string) (Conn, error) {
	n := strings.TrimSuffix(rateStr, "pps")
	rate, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid rate %q", ErrInvalidURL, rateStr)
	}
	return &rateLimitedConn{Conn: stream, bucket: newTokenBucket(rate*2, rate)}, nil
}

type halfDuplexConn struct {
	Conn
	mu sync.Mutex
}

// Write and Read share one mutex for RS-485 style half-duplex links:
// holding the lock across Write keeps a concurrent Read off the line
// until the Write returns. No turnaround pause is inserted between a
// Write and the following Read.
func (c *halfDuplexConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.Write(p)
}

func (c *halfDuplexConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.Read(p)
}

func halfDuplexDecorator(stream Conn) Conn {
	return &halfDuplexConn{Conn: stream}
}
