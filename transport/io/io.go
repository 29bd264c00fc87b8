// Package io is the file bridge backend: every mirrored message becomes one
// JSON line in a local file, and subscribers tail that file. JSON payloads are
// embedded as-is so the file stays readable next to the HOLD intake files.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	"github.com/drblury/holdflow/transport"
)

const TransportName = "io"

// DefaultFilePath is used when io_file is not set.
const DefaultFilePath = "bridge.jsonl"

// PollInterval is how long a subscriber waits at the end of the file before
// looking for new lines.
var PollInterval = 50 * time.Millisecond

var (
	PublisherFactory = func(path string, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return NewPublisher(path, logger)
	}
	SubscriberFactory = func(path string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return &Subscriber{path: path, logger: logger}, nil
	}
)

func init() {
	transport.Register(Build, transport.IOCapabilities)
}

// Build returns a bridge writing to and tailing cfg.GetIOFile().
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bridge, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFilePath
	}
	pub, err := PublisherFactory(path, logger)
	if err != nil {
		return transport.Bridge{}, err
	}
	sub, err := SubscriberFactory(path, logger)
	if err != nil {
		return transport.Bridge{}, err
	}
	return transport.Bridge{Publisher: pub, Subscriber: sub}, nil
}

// line is the on-disk form of a message. Payload holds the raw JSON when the
// message carries JSON, PayloadText otherwise.
type line struct {
	UUID        string            `json:"uuid"`
	Topic       string            `json:"topic"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     any               `json:"payload,omitempty"`
	PayloadText string            `json:"payload_text,omitempty"`
}

type rawLine struct {
	UUID        string            `json:"uuid"`
	Topic       string            `json:"topic"`
	Metadata    map[string]string `json:"metadata"`
	Payload     rawJSON           `json:"payload"`
	PayloadText string            `json:"payload_text"`
}

// rawJSON keeps the payload bytes exactly as written.
type rawJSON []byte

func (r *rawJSON) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

func encodeLine(topic string, msg *message.Message) ([]byte, error) {
	l := line{UUID: msg.UUID, Topic: topic, Metadata: msg.Metadata}
	if jsoncodec.Valid(msg.Payload) {
		var v any
		if err := jsoncodec.Unmarshal(msg.Payload, &v); err != nil {
			return nil, err
		}
		l.Payload = v
	} else {
		l.PayloadText = string(msg.Payload)
	}
	return jsoncodec.MarshalLine(l)
}

func decodeLine(b []byte) (string, *message.Message, error) {
	var l rawLine
	if err := jsoncodec.Unmarshal(bytes.TrimSpace(b), &l); err != nil {
		return "", nil, err
	}
	payload := []byte(l.PayloadText)
	if len(l.Payload) > 0 {
		payload = l.Payload
	}
	msg := message.NewMessage(l.UUID, payload)
	for k, v := range l.Metadata {
		msg.Metadata.Set(k, v)
	}
	return l.Topic, msg, nil
}

// Publisher appends messages to the bridge file.
type Publisher struct {
	path   string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates the parent directory of path.
func NewPublisher(path string, logger watermill.LoggerAdapter) (*Publisher, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bridge directory: %w", err)
		}
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{path: path, logger: logger}, nil
}

// Publish writes all messages with a single append.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	var buf bytes.Buffer
	for _, msg := range messages {
		b, err := encodeLine(topic, msg)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", msg.UUID, err)
		}
		buf.Write(b)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("io publisher closed")
	}
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Subscriber tails the bridge file from its beginning and delivers the lines
// of one topic. A message is delivered only after the previous one was acked
// or nacked.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	cancel []context.CancelFunc
	closed bool
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("io subscriber closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = append(s.cancel, cancel)
	s.mu.Unlock()

	out := make(chan *message.Message)
	go s.tail(ctx, topic, out)
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, topic string, out chan<- *message.Message) {
	defer close(out)
	logger := s.logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	var offset int64
	for {
		n, err := s.readFrom(ctx, offset, topic, out, logger)
		offset += n
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				logger.Error("Reading bridge file failed", err, watermill.LogFields{"path": s.path})
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(PollInterval):
		}
	}
}

// readFrom delivers every complete line after offset and returns how many
// bytes it consumed. A trailing partial line is left for the next pass.
func (s *Subscriber) readFrom(ctx context.Context, offset int64, topic string, out chan<- *message.Message, logger watermill.LoggerAdapter) (int64, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	var consumed int64
	reader := bufio.NewReader(f)
	for {
		b, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return consumed, nil
		}
		if err != nil {
			return consumed, err
		}
		consumed += int64(len(b))

		lineTopic, msg, derr := decodeLine(b)
		if derr != nil {
			logger.Error("Skipping malformed bridge line", derr, watermill.LogFields{"offset": offset + consumed})
			continue
		}
		if lineTopic != topic {
			continue
		}
		if err := deliver(ctx, out, msg, logger); err != nil {
			return consumed, err
		}
	}
}

func deliver(ctx context.Context, out chan<- *message.Message, msg *message.Message, logger watermill.LoggerAdapter) error {
	msg.SetContext(ctx)
	select {
	case out <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		logger.Debug("Bridge message nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Close stops every running subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, cancel := range s.cancel {
		cancel()
	}
	s.cancel = nil
	return nil
}
