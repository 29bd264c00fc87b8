package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	"github.com/drblury/holdflow/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.CapabilitiesOf(TransportName)
	assert.True(t, caps.Lossy())
	assert.True(t, caps.Ordered)
}

func TestBuildRoundTrip(t *testing.T) {
	cfg := configpkg.Default(t.TempDir())
	cfg.BridgeSystem = TransportName

	bridge, err := transport.Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := bridge.Subscriber.Subscribe(ctx, "governance.record")
	require.NoError(t, err)

	require.NoError(t, bridge.Publisher.Publish("governance.record", message.NewMessage("m1", []byte(`{"a":1}`))))

	select {
	case msg := <-msgs:
		assert.Equal(t, "m1", msg.UUID)
		assert.JSONEq(t, `{"a":1}`, string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	t.Cleanup(func() { Factory = original })

	var gotBuffer int64
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		gotBuffer = cfg.OutputChannelBuffer
		return original(cfg, logger)
	}

	bridge, err := Build(context.Background(), configpkg.Default(t.TempDir()), watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, OutputBufferSize, gotBuffer)
	assert.NoError(t, bridge.Close())
}
