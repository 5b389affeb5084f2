// Package consuldiscovery implements transport.ServerLocator against
// Consul service health checks. Grounded on
// internal/registry/consul.go's GetHealthyServers/WatchServices, kept
// on the client side: rather than registering itself (the teacher's
// server-side use), this queries for a healthy instance of the
// service to talk to.
package consuldiscovery

import (
	"context"
	"fmt"

	"github.com/hashicorp/consul/api"
)

// Locator resolves a server address by querying Consul for healthy
// instances of a named service and picking one.
type Locator struct {
	client      *api.Client
	serviceName string
}

// New connects to the Consul agent at addr and will resolve addresses
// for serviceName (e.g. "obscura-gateway").
func New(addr, serviceName string) (*Locator, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consuldiscovery: new client: %w", err)
	}
	return &Locator{client: client, serviceName: serviceName}, nil
}

// ResolveServerAddr implements transport.ServerLocator. It returns the
// address of an arbitrary healthy instance; callers that need
// stickiness should cache the result themselves.
func (l *Locator) ResolveServerAddr(ctx context.Context) (string, error) {
	services, _, err := l.client.Health().Service(l.serviceName, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("consuldiscovery: query health: %w", err)
	}
	if len(services) == 0 {
		return "", fmt.Errorf("consuldiscovery: no healthy instance of %q", l.serviceName)
	}
	svc := services[0].Service
	return fmt.Sprintf("%s:%d", svc.Address, svc.Port), nil
}
