package proxypool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/refyne-bypass/internal/config"
)

// listFile is the on-disk/S3 proxy list document.
//
//	proxies:
//	  - type: socks5
//	    host: 127.0.0.1
//	    port: 9050
type listFile struct {
	Proxies []Config `yaml:"proxies"`
}

// ParseList decodes a YAML proxy list and validates every entry.
func ParseList(data []byte) ([]Config, error) {
	var doc listFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse proxy list: %w", err)
	}

	out := make([]Config, 0, len(doc.Proxies))
	for i, c := range doc.Proxies {
		t, err := ParseType(string(c.Type))
		if err != nil {
			return nil, fmt.Errorf("proxy %d: %w", i, err)
		}
		if c.Host == "" {
			return nil, fmt.Errorf("proxy %d: host is required", i)
		}
		if c.Port <= 0 || c.Port > 65535 {
			return nil, fmt.Errorf("proxy %d: invalid port %d", i, c.Port)
		}
		out = append(out, Config{Type: t, Host: c.Host, Port: c.Port})
	}
	return out, nil
}

// LoadFile reads a YAML proxy list from path.
func LoadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy list: %w", err)
	}
	return ParseList(data)
}

// Watch replaces the pool contents whenever the S3-hosted proxy list changes.
// An invalid list leaves the pool untouched. It blocks until ctx is cancelled.
func Watch(ctx context.Context, pool *Pool, loader *config.S3Loader, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	loader.Watch(ctx, interval, func(result *config.S3LoadResult) error {
		configs, err := ParseList(result.Data)
		if err != nil {
			return err
		}
		pool.Replace(configs)
		logger.Info("proxy list refreshed", "proxies", len(configs), "etag", result.Etag)
		return nil
	})
}
