// Package channel is the in-memory bridge backend. Publisher and subscriber
// share one watermill GoChannel, so it is mostly useful in tests and for
// fanning mediator traffic out to goroutines of the same process.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/holdflow/transport"
)

const TransportName = "channel"

// OutputBufferSize is the per-subscriber buffer of the shared GoChannel.
var OutputBufferSize int64 = 256

// Factory is swapped in tests.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.Register(Build, transport.ChannelCapabilities)
}

// Build returns a bridge backed by one GoChannel.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Bridge, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: OutputBufferSize}, logger)
	return transport.Bridge{Publisher: pub, Subscriber: sub}, nil
}
