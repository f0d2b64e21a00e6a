// Package proxypool maintains a rotating list of egress proxies with failure-count eviction.
package proxypool

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// MaxFailures is the failure count at which a proxy is evicted.
const MaxFailures = 3

// Type is the proxy transport type.
type Type string

const (
	TypeHTTP   Type = "http"
	TypeSOCKS5 Type = "socks5"
)

// ParseType converts a user-supplied name into a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "https":
		return TypeHTTP, nil
	case "socks", "socks5":
		return TypeSOCKS5, nil
	default:
		return "", fmt.Errorf("unknown proxy type %q", s)
	}
}

// Config describes one egress proxy.
type Config struct {
	Type      Type   `json:"type" yaml:"type"`
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	FailCount int    `json:"failCount" yaml:"-"`
}

// Equal reports structural equality on type, host and port. FailCount is ignored.
func (c Config) Equal(o Config) bool {
	return c.Type == o.Type && c.Host == o.Host && c.Port == o.Port
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the proxy as a URL string, e.g. socks5://127.0.0.1:9050.
func (c Config) URL() string {
	return string(c.Type) + "://" + c.Addr()
}

func (c Config) String() string {
	return c.URL()
}

// DefaultSeeds returns the placeholder local endpoints: Tor on 9050 and Privoxy on 8118.
func DefaultSeeds() []Config {
	return []Config{
		{Type: TypeSOCKS5, Host: "127.0.0.1", Port: 9050},
		{Type: TypeHTTP, Host: "127.0.0.1", Port: 8118},
	}
}

// Pool is a thread-safe round-robin proxy list.
type Pool struct {
	mu      sync.Mutex
	proxies []*Config
	counter uint64
}

// New creates a pool containing seeds, skipping duplicates.
func New(seeds ...Config) *Pool {
	p := &Pool{}
	for _, s := range seeds {
		p.Add(s.Type, s.Host, s.Port)
	}
	return p
}

// Next returns the proxy at counter mod len and advances the counter.
// It returns false when the pool is empty.
func (p *Pool) Next() (Config, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return Config{}, false
	}
	idx := p.counter % uint64(len(p.proxies))
	p.counter++
	return *p.proxies[idx], true
}

// MarkFailed increments the failure count of the matching proxy and evicts it
// once the count reaches MaxFailures. Unknown proxies are ignored.
func (p *Pool) MarkFailed(c Config) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.proxies {
		if !existing.Equal(c) {
			continue
		}
		existing.FailCount++
		if existing.FailCount >= MaxFailures {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
		}
		return
	}
}

// Add inserts a proxy unless a structurally equal one exists. It reports whether
// the proxy was inserted.
func (p *Pool) Add(t Type, host string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := Config{Type: t, Host: host, Port: port}
	for _, existing := range p.proxies {
		if existing.Equal(c) {
			return false
		}
	}
	p.proxies = append(p.proxies, &c)
	return true
}

// Replace swaps the whole list, keeping failure counts of proxies present in both.
func (p *Pool) Replace(configs []Config) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make([]*Config, 0, len(configs))
outer:
	for _, c := range configs {
		for _, n := range next {
			if n.Equal(c) {
				continue outer
			}
		}
		entry := Config{Type: c.Type, Host: c.Host, Port: c.Port}
		for _, existing := range p.proxies {
			if existing.Equal(c) {
				entry.FailCount = existing.FailCount
				break
			}
		}
		next = append(next, &entry)
	}
	p.proxies = next
}

// List returns a snapshot of the pool in rotation order.
func (p *Pool) List() []Config {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Config, len(p.proxies))
	for i, c := range p.proxies {
		out[i] = *c
	}
	return out
}

// Len returns the number of proxies in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}
