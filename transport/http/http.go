// Package http is the HTTP bridge backend: published messages are POSTed to
// <http_publisher_url><topic> and the subscriber serves one route per topic on
// http_server_address.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/holdflow/transport"
)

const TransportName = "http"

var (
	PublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(addr string, cfg http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return http.NewSubscriber(addr, cfg, logger)
	}
)

func init() {
	transport.Register(Build, transport.HTTPCapabilities)
}

// Build returns the bridge. Without http_server_address the bridge is
// publish-only. Subscribe every topic first, then call Serve.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bridge, error) {
	base := cfg.GetHTTPPublisherURL()
	if base == "" {
		return transport.Bridge{}, errors.New("http bridge requires http_publisher_url")
	}

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(TopicURL(base, topic), msg)
		},
	}, logger)
	if err != nil {
		return transport.Bridge{}, err
	}

	addr := cfg.GetHTTPServerAddress()
	if addr == "" {
		return transport.Bridge{Publisher: publisher}, nil
	}
	subscriber, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Bridge{}, err
	}
	return transport.Bridge{Publisher: publisher, Subscriber: subscriber}, nil
}

// Serve starts the HTTP server of a subscriber built by this package. It
// blocks until the subscriber is closed.
func Serve(sub message.Subscriber) error {
	s, ok := sub.(*http.Subscriber)
	if !ok {
		return errors.New("not an http bridge subscriber")
	}
	return s.StartHTTPServer()
}

// TopicURL joins base and topic with exactly one slash.
func TopicURL(base, topic string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(topic, "/")
}
