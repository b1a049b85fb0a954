package kafka

import (
	"context"

	"github.com/IBM/sarama"
)

// RecordHandler processes one record. Its errors are only logged: the record
// is marked regardless so a poison record cannot stall a partition.
type RecordHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// Consumer drives a consumer group until its context ends.
type Consumer struct {
	group    sarama.ConsumerGroup
	handler  RecordHandler
	onAssign func(claims map[string][]int32)
}

// Run rejoins the group after every rebalance.
func (c *Consumer) Run(ctx context.Context, topics []string) error {
	h := groupHandler{handler: c.handler, onAssign: c.onAssign}
	for {
		if err := c.group.Consume(ctx, topics, h); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handler  RecordHandler
	onAssign func(claims map[string][]int32)
}

func (h groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.onAssign != nil {
		h.onAssign(sess.Claims())
	}
	return nil
}

func (groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			_ = h.handler.Handle(sess.Context(), msg)
			sess.MarkMessage(msg, "")
		}
	}
}
