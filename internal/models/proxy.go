package models

import "github.com/jmylchreest/refyne-bypass/internal/proxypool"

// ProxyView is a pooled proxy.
type ProxyView struct {
	Type      string `json:"type"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	URL       string `json:"url"`
	FailCount int    `json:"failCount"`
}

// ProxyFrom converts a pool entry.
func ProxyFrom(c proxypool.Config) ProxyView {
	return ProxyView{
		Type:      string(c.Type),
		Host:      c.Host,
		Port:      c.Port,
		URL:       c.URL(),
		FailCount: c.FailCount,
	}
}

// AddProxyRequest adds a proxy to the pool.
type AddProxyRequest struct {
	Type string `json:"type" enum:"http,https,socks,socks5" doc:"Proxy transport"`
	Host string `json:"host" minLength:"1"`
	Port int    `json:"port" minimum:"1" maximum:"65535"`
}
