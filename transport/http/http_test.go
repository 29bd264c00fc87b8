package http

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/holdflow/internal/runtime/config"
	"github.com/drblury/holdflow/transport"
	"github.com/drblury/holdflow/transport/transporttest"
)

func testConfig(t *testing.T, publisherURL, serverAddr string) *configpkg.Config {
	t.Helper()
	cfg := configpkg.Default(t.TempDir())
	cfg.BridgeSystem = TransportName
	cfg.HTTPPublisherURL = publisherURL
	cfg.HTTPServerAddress = serverAddr
	return cfg
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.CapabilitiesOf(TransportName).Lossy())
}

func TestTopicURL(t *testing.T) {
	assert.Equal(t, "http://h/governance.record", TopicURL("http://h/", "governance.record"))
	assert.Equal(t, "http://h/a", TopicURL("http://h", "/a"))
}

func TestPublishPostsToTopicRoute(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r.URL.Path + " " + string(body)
		w.WriteHeader(nethttp.StatusOK)
	}))
	defer srv.Close()

	bridge, err := Build(context.Background(), testConfig(t, srv.URL, ""), watermill.NopLogger{})
	require.NoError(t, err)
	defer bridge.Close()
	assert.Nil(t, bridge.Subscriber)

	require.NoError(t, bridge.Publisher.Publish("governance.record", message.NewMessage("m1", []byte(`{"a":1}`))))
	assert.Equal(t, `/governance.record {"a":1}`, <-received)
}

func TestBuildRequiresPublisherURL(t *testing.T) {
	_, err := Build(context.Background(), testConfig(t, "", ""), watermill.NopLogger{})
	assert.Error(t, err)
}

func TestBuildWithSubscriber(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	var gotAddr string
	PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(addr string, _ watermillhttp.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		gotAddr = addr
		return sub, nil
	}

	bridge, err := Build(context.Background(), testConfig(t, "http://h", ":9000"), watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, bridge.Publisher)
	assert.Same(t, sub, bridge.Subscriber)
	assert.Equal(t, ":9000", gotAddr)
	assert.Error(t, Serve(sub))
}

func TestSubscriberFailureClosesPublisher(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	pub := &transporttest.Publisher{}
	PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("listen failed")
	}

	_, err := Build(context.Background(), testConfig(t, "http://h", ":9000"), watermill.NopLogger{})
	assert.ErrorContains(t, err, "listen failed")
	assert.True(t, pub.Closed)
}
