package testsupport

import (
	"context"
	"sync"
	"testing"

	"accession/internal/bus"
	"accession/internal/messages"
)

// RecordingBus records published messages without delivering them.
type RecordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

var _ bus.Bus = (*RecordingBus)(nil)

// NewRecordingBus returns an empty RecordingBus.
func NewRecordingBus() *RecordingBus {
	return &RecordingBus{published: make(map[string][][]byte)}
}

// Publish records payload under topic.
func (b *RecordingBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], append([]byte(nil), payload...))
	return nil
}

// Subscribe blocks until ctx is cancelled.
func (b *RecordingBus) Subscribe(ctx context.Context, _ string, _ bus.Handler) error {
	<-ctx.Done()
	return nil
}

// Close is a no-op.
func (b *RecordingBus) Close() error { return nil }

// Payloads returns a copy of everything published on topic.
func (b *RecordingBus) Payloads(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[topic]...)
}

// Reset forgets every recorded message.
func (b *RecordingBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = make(map[string][][]byte)
}

// Jobs decodes the recorded job messages.
func (b *RecordingBus) Jobs(t testing.TB) []messages.Job {
	t.Helper()
	var out []messages.Job
	for _, payload := range b.Payloads(messages.TopicJobs) {
		msg, err := messages.DecodeJob(payload)
		if err != nil {
			t.Fatalf("decode job message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// Operations decodes the recorded operation messages.
func (b *RecordingBus) Operations(t testing.TB) []messages.Operation {
	t.Helper()
	var out []messages.Operation
	for _, payload := range b.Payloads(messages.TopicOperations) {
		msg, err := messages.DecodeOperation(payload)
		if err != nil {
			t.Fatalf("decode operation message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}
