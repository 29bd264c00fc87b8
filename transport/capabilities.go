package transport

// Capabilities describes what a backend guarantees for mirrored messages.
type Capabilities struct {
	Name string

	// Durable backends keep messages nobody is subscribed to yet.
	Durable bool
	// Ordered backends deliver messages of one topic in publish order.
	Ordered bool
	// Ack is true when a subscriber's Ack or Nack changes redelivery.
	Ack bool
	// Tracing is true when message metadata travels as broker headers.
	Tracing bool

	// MaxMessageSize in bytes, 0 when unknown or unlimited.
	MaxMessageSize int64
}

// Lossy reports whether messages published while nobody listens are dropped.
func (c Capabilities) Lossy() bool { return !c.Durable }

// Fits reports whether a payload of n bytes is within MaxMessageSize.
func (c Capabilities) Fits(n int) bool {
	return c.MaxMessageSize == 0 || int64(n) <= c.MaxMessageSize
}

var (
	ChannelCapabilities = Capabilities{Name: "channel", Ordered: true, Ack: true}

	IOCapabilities = Capabilities{Name: "io", Durable: true, Ordered: true, Tracing: true}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		Durable:        true,
		Ordered:        true,
		Ack:            true,
		Tracing:        true,
		MaxMessageSize: 1 << 20,
	}

	RabbitMQCapabilities = Capabilities{Name: "rabbitmq", Durable: true, Ordered: true, Ack: true, Tracing: true}

	NATSCapabilities = Capabilities{Name: "nats", Tracing: true, MaxMessageSize: 1 << 20}

	HTTPCapabilities = Capabilities{Name: "http", Tracing: true}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		Durable:        true,
		Ack:            true,
		Tracing:        true,
		MaxMessageSize: 256 << 10,
	}
)
