package proxypool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// dialTimeout bounds the TCP connect to the proxy itself.
const dialTimeout = 10 * time.Second

// Transport returns an http.Transport that egresses through c.
// SOCKS5 proxies are dialed with golang.org/x/net/proxy; HTTP proxies use CONNECT.
func Transport(c Config) (*http.Transport, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()

	switch c.Type {
	case TypeHTTP:
		u, err := url.Parse(c.URL())
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		base.Proxy = http.ProxyURL(u)
	case TypeSOCKS5:
		dialer, err := proxy.SOCKS5("tcp", c.Addr(), nil, &net.Dialer{Timeout: dialTimeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		base.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			base.DialContext = cd.DialContext
		} else {
			base.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", c.Type)
	}

	return base, nil
}

// Client returns an http.Client routed through c.
func Client(c Config, timeout time.Duration) (*http.Client, error) {
	t, err := Transport(c)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}
