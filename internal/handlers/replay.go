package handlers

import (
	"strings"
	"sync"

	"github.com/tmaxmax/go-sse"
)

const (
	messageTopicPrefix = "message-"

	// defaultReplayLimit bounds how many finished replies are kept for late subscribers.
	defaultReplayLimit = 1024
)

// messageReplay is the sse.Joe replayer for reply topics. Every messages event carries the whole rendered
// reply, so keeping the latest one and the closing event is enough for a subscriber that arrives after
// the reply started, or after it already finished, to catch up.
//
// Joe runs Put, Replay and the subscriber registration on a single goroutine, so nothing published
// between a replay and the registration is lost, and no locking is needed here.
type messageReplay struct {
	latest map[string]*sse.Message
	closed map[string]*sse.Message

	// finished holds closed topics, oldest first, for eviction.
	finished []string
	limit    int
}

func newMessageReplay(limit int) *messageReplay {
	return &messageReplay{
		latest: map[string]*sse.Message{},
		closed: map[string]*sse.Message{},
		limit:  limit,
	}
}

// Put records the latest content and the closing event of reply topics. Other topics are not replayed.
func (r *messageReplay) Put(msg *sse.Message, topics []string) (*sse.Message, error) {
	if len(topics) == 0 {
		return nil, sse.ErrNoTopic
	}

	for _, topic := range topics {
		if !strings.HasPrefix(topic, messageTopicPrefix) {
			continue
		}
		switch msg.Type {
		case messagesSSEType:
			r.latest[topic] = msg
		case closeMessageSSEType:
			if _, ok := r.closed[topic]; !ok {
				r.finished = append(r.finished, topic)
			}
			r.closed[topic] = msg
			r.evict()
		}
	}
	return msg, nil
}

// Replay greets every new subscriber with a comment, which also sends the response headers, followed by
// the known state of the reply topics it subscribes to.
func (r *messageReplay) Replay(sub sse.Subscription) error {
	hello := &sse.Message{}
	hello.AppendComment("subscribed")
	if err := sub.Client.Send(hello); err != nil {
		return err
	}

	for _, topic := range sub.Topics {
		if msg, ok := r.latest[topic]; ok {
			if err := sub.Client.Send(msg); err != nil {
				return err
			}
		}
		if msg, ok := r.closed[topic]; ok {
			if err := sub.Client.Send(msg); err != nil {
				return err
			}
		}
	}

	return sub.Client.Flush()
}

func (r *messageReplay) evict() {
	for len(r.finished) > r.limit {
		topic := r.finished[0]
		r.finished = r.finished[1:]
		delete(r.latest, topic)
		delete(r.closed, topic)
	}
}

// streams tracks the assistant messages whose reply is still being generated.
type streams struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newStreams() *streams {
	return &streams{active: map[string]struct{}{}}
}

func (s *streams) start(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[messageID] = struct{}{}
}

func (s *streams) finish(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, messageID)
}

func (s *streams) streaming(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[messageID]
	return ok
}
