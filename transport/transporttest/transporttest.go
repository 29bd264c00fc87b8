// Package transporttest holds in-memory publishers and subscribers for
// exercising bridge code without a broker.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Publisher records every published message.
type Publisher struct {
	mu       sync.Mutex
	Messages map[string][]*message.Message
	Err      error
	Closed   bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Messages == nil {
		p.Messages = map[string][]*message.Message{}
	}
	p.Messages[topic] = append(p.Messages[topic], messages...)
	return nil
}

// Topic returns a copy of the messages published on topic.
func (p *Publisher) Topic(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.Messages[topic]...)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	p.Closed = true
	p.mu.Unlock()
	return nil
}

// Subscriber hands out one channel per topic; tests feed them with Send.
type Subscriber struct {
	mu       sync.Mutex
	channels map[string]chan *message.Message
	Err      error
	Closed   bool
}

func (s *Subscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.channel(topic), nil
}

func (s *Subscriber) channel(topic string) chan *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = map[string]chan *message.Message{}
	}
	ch, ok := s.channels[topic]
	if !ok {
		ch = make(chan *message.Message, 16)
		s.channels[topic] = ch
	}
	return ch
}

// Send queues msg on topic.
func (s *Subscriber) Send(topic string, msg *message.Message) {
	s.channel(topic) <- msg
}

// Close closes every topic channel.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return nil
	}
	s.Closed = true
	for _, ch := range s.channels {
		close(ch)
	}
	return nil
}
