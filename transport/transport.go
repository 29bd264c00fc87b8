// Package transport connects the in-process mediator to external brokers.
// Every backend lives in its own sub-package and registers a Builder under
// the name selected by the bridge setting. A bridge only mirrors
// traffic: the mediator stays the source of truth and never waits on it.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrUnknownTransport is returned by Build for a name nobody registered.
var ErrUnknownTransport = errors.New("holdflow: unknown transport")

// Bridge is the publisher and subscriber pair produced by a Builder.
type Bridge struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides. Backends that share one object for publishing and
// subscribing are closed once.
func (b Bridge) Close() error {
	var errs []error
	if b.Publisher != nil {
		errs = append(errs, b.Publisher.Close())
	}
	if b.Subscriber != nil && !sameCloser(b.Publisher, b.Subscriber) {
		errs = append(errs, b.Subscriber.Close())
	}
	return errors.Join(errs...)
}

func sameCloser(pub message.Publisher, sub message.Subscriber) (same bool) {
	if pub == nil {
		return false
	}
	defer func() {
		// uncomparable dynamic types are never the same object
		if recover() != nil {
			same = false
		}
	}()
	return any(pub) == any(sub)
}

// Builder creates a bridge from configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Bridge, error)

// Config exposes the settings a backend may need. *config.Config satisfies it.
type Config interface {
	GetBridgeSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetIOFile() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
