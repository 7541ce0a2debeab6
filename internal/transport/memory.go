package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Transport. Tests use its fault and redelivery
// switches to reproduce transport behaviour the agent must tolerate.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	topics    map[string][]Message
	nextTopic int
	redeliver bool
	pollErr   error
	sendErrs  map[string]error
	pollCalls int
}

var _ Transport = (*Memory)(nil)

// NewMemory returns an empty in-memory transport. A nil clock uses
// time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:      now,
		topics:   make(map[string][]Message),
		sendErrs: make(map[string]error),
	}
}

// CreateTopic allocates a fresh topic id of the form 0.0.N.
func (m *Memory) CreateTopic(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		m.nextTopic++
		id := fmt.Sprintf("0.0.%d", m.nextTopic)
		if _, taken := m.topics[id]; !taken {
			m.topics[id] = nil
			return id, nil
		}
	}
}

// EnsureTopic registers a topic under a caller-chosen id. It is a no-op for
// existing topics.
func (m *Memory) EnsureTopic(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.topics[id]; !ok {
		m.topics[id] = nil
	}
}

func (m *Memory) SendMessage(ctx context.Context, topicID string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErrs[topicID]; err != nil {
		return 0, err
	}
	log, ok := m.topics[topicID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}
	seq := int64(len(log) + 1)
	m.topics[topicID] = append(log, Message{
		TopicID:        topicID,
		SequenceNumber: seq,
		Contents:       append([]byte(nil), payload...),
		ConsensusAt:    m.now().UTC(),
	})
	return seq, nil
}

func (m *Memory) PollMessages(ctx context.Context, topicID string, afterSeq int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollCalls++
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	log, ok := m.topics[topicID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}
	out := make([]Message, 0, len(log))
	for _, msg := range log {
		if !m.redeliver && msg.SequenceNumber <= afterSeq {
			continue
		}
		msg.Contents = append([]byte(nil), msg.Contents...)
		out = append(out, msg)
	}
	return out, nil
}

// Messages returns a copy of every message on a topic.
func (m *Memory) Messages(topicID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.topics[topicID]))
	for _, msg := range m.topics[topicID] {
		msg.Contents = append([]byte(nil), msg.Contents...)
		out = append(out, msg)
	}
	return out
}

// SetRedeliver makes PollMessages ignore afterSeq and return the whole log,
// as an at-least-once service may after a reconnect.
func (m *Memory) SetRedeliver(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redeliver = on
}

// FailPolls makes every PollMessages call return err. Pass nil to recover.
func (m *Memory) FailPolls(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
}

// FailSends makes SendMessage to topicID return err. Pass nil to recover.
func (m *Memory) FailSends(topicID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sendErrs, topicID)
		return
	}
	m.sendErrs[topicID] = err
}

// PollCalls reports how many times PollMessages has been called.
func (m *Memory) PollCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCalls
}
