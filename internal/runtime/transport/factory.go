// Package transport turns settings into the optional bridge that mirrors
// mediator traffic to an external broker and feeds external messages back
// into HOLD1.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	bridgepkg "github.com/drblury/holdflow/transport"

	_ "github.com/drblury/holdflow/transport/transports"
)

// Bridge is the publisher and subscriber pair of the configured backend.
type Bridge = bridgepkg.Bridge

// Factory builds the bridge for a configuration. A nil bridge with a nil
// error means bridging is disabled.
type Factory interface {
	Build(ctx context.Context, cfg *configpkg.Config, logger watermill.LoggerAdapter) (*Bridge, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, cfg *configpkg.Config, logger watermill.LoggerAdapter) (*Bridge, error)

func (f FactoryFunc) Build(ctx context.Context, cfg *configpkg.Config, logger watermill.LoggerAdapter) (*Bridge, error) {
	return f(ctx, cfg, logger)
}

// DefaultFactory builds from the default registry, where every built-in
// backend is registered.
func DefaultFactory() Factory {
	return registryFactory{registry: bridgepkg.DefaultRegistry}
}

// RegistryFactory builds from r.
func RegistryFactory(r *bridgepkg.Registry) Factory {
	return registryFactory{registry: r}
}

type registryFactory struct {
	registry *bridgepkg.Registry
}

func (f registryFactory) Build(ctx context.Context, cfg *configpkg.Config, logger watermill.LoggerAdapter) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.BridgeSystem == "" {
		return nil, nil
	}
	bridge, err := f.registry.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &bridge, nil
}

// Capabilities reports what the configured backend guarantees.
func Capabilities(cfg *configpkg.Config) bridgepkg.Capabilities {
	return bridgepkg.CapabilitiesOf(cfg.BridgeSystem)
}
