// Package transport defines the consensus-log collaborator the agent polls
// and publishes to, plus an in-memory implementation.
//
// A topic is an append-only log. Every message appended to a topic receives
// the next sequence number for that topic, starting at 1. Delivery is
// at-least-once and ordered per topic; callers must tolerate redelivery of
// messages they have already seen.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTopicNotFound is returned when sending to or polling an unknown topic.
var ErrTopicNotFound = errors.New("transport: topic not found")

// Message is one entry of a topic log.
type Message struct {
	TopicID        string    `json:"topic_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Contents       []byte    `json:"contents"`
	ConsensusAt    time.Time `json:"consensus_at"`
}

// Transport is the consensus-log service.
//
// PollMessages returns messages with a sequence number greater than
// afterSeq in ascending order. Implementations may return older messages
// too (at-least-once), so the result must be gated by the caller.
type Transport interface {
	CreateTopic(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, topicID string, payload []byte) (int64, error)
	PollMessages(ctx context.Context, topicID string, afterSeq int64) ([]Message, error)
}
