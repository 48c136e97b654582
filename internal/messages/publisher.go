package messages

import (
	"context"
	"fmt"
)

// Sender is the publishing half of a message bus.
type Sender interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Publisher encodes typed messages onto their topics.
type Publisher struct {
	bus Sender
}

// NewPublisher wraps a bus.
func NewPublisher(bus Sender) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) publish(ctx context.Context, topic string, msg interface{ Validate() error }) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Job dispatches a job to the executors.
func (p *Publisher) Job(ctx context.Context, msg Job) error {
	return p.publish(ctx, TopicJobs, msg)
}

// Operation sends a deposit operation to the supervisor.
func (p *Publisher) Operation(ctx context.Context, msg Operation) error {
	return p.publish(ctx, TopicOperations, msg)
}

// Pipeline sends a pipeline action to the supervisor.
func (p *Publisher) Pipeline(ctx context.Context, msg Pipeline) error {
	return p.publish(ctx, TopicPipeline, msg)
}
