// Package discovery advertises the relay on the local network over mDNS and
// lets agents locate one without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	service = "_devcollab._tcp"
	domain  = "local."
)

// Register announces this relay instance. The caller shuts it down via the
// returned server's Shutdown.
func Register(port int, logger *slog.Logger) (*zeroconf.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	srv, err := zeroconf.Register(
		fmt.Sprintf("devcollab-%s", host),
		service,
		domain,
		port,
		[]string{"path=/ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	logger.Info("mdns service registered", "service", service, "port", port)
	return srv, nil
}

// Browse looks for a relay on the LAN and returns its websocket URL. It
// answers with the first instance found or an error when the timeout
// elapses with none.
func Browse(ctx context.Context, timeout time.Duration, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("browse mdns: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", errors.New("no relay found on the local network")
			}
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			url := fmt.Sprintf("ws://%s:%d/ws", entry.AddrIPv4[0], entry.Port)
			logger.Info("discovered relay", "instance", entry.Instance, "url", url)
			return url, nil
		case <-ctx.Done():
			return "", errors.New("no relay found on the local network")
		}
	}
}
