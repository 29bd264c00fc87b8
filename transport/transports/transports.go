// Package transports links every built-in bridge backend into
// transport.DefaultRegistry.
package transports

import (
	_ "github.com/drblury/holdflow/transport/aws"
	_ "github.com/drblury/holdflow/transport/channel"
	_ "github.com/drblury/holdflow/transport/http"
	_ "github.com/drblury/holdflow/transport/io"
	_ "github.com/drblury/holdflow/transport/kafka"
	_ "github.com/drblury/holdflow/transport/nats"
	_ "github.com/drblury/holdflow/transport/rabbitmq"
)
