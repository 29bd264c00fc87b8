// Package rabbitmq is the AMQP bridge backend. Publisher and subscriber share
// one reconnecting connection and use durable fan-out exchanges per topic.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/holdflow/transport"
)

const TransportName = "rabbitmq"

// QueueSuffix names the subscriber queue of a topic: "<topic>_<suffix>".
var QueueSuffix = "holdflow"

var (
	ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

func init() {
	transport.Register(Build, transport.RabbitMQCapabilities)
}

// Build opens the shared connection and both sides of the bridge.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bridge, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Bridge{}, errors.New("rabbitmq bridge requires rabbitmq_url")
	}
	amqpConfig := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(QueueSuffix))

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Bridge{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Bridge{}, err
	}
	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Bridge{}, err
	}
	return transport.Bridge{Publisher: publisher, Subscriber: subscriber}, nil
}
