// Package nats is the NATS Core bridge backend. Messages published while no
// subscriber is connected are lost.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/holdflow/transport"
)

const TransportName = "nats"

var (
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

func init() {
	transport.Register(Build, transport.NATSCapabilities)
}

// Build connects to cfg.GetNATSURL with header-carrying marshaling so message
// metadata survives the hop.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bridge, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Bridge{}, errors.New("nats bridge requires nats_url")
	}
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(nats.PublisherConfig{URL: url, Marshaler: marshaler}, logger)
	if err != nil {
		return transport.Bridge{}, err
	}
	subscriber, err := SubscriberFactory(nats.SubscriberConfig{URL: url, Unmarshaler: marshaler}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Bridge{}, err
	}
	return transport.Bridge{Publisher: publisher, Subscriber: subscriber}, nil
}
