package kafka

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/glimte/relaybus/interceptors"
	"github.com/glimte/relaybus/messaging"
)

type groupHandler struct {
	transport *Transport
	handler   messaging.DeliveryHandler
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.transport.logger.Info("kafka consumer group ready",
		"groupId", h.transport.cfg.GroupID,
		"memberId", session.MemberID(),
	)
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.transport.logger.Info("kafka consumer group cleanup", "groupId", h.transport.cfg.GroupID)
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.deliver(ctx, session, msg) {
				return nil
			}
		}
	}
}

// deliver hands msg to the handler until it is acknowledged or rejected.
// It reports false when ctx ended first; the offset is then left unmarked
// so the next owner of the partition sees msg again.
func (h *groupHandler) deliver(ctx context.Context, session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) bool {
	for attempt := 1; ; attempt++ {
		d := &delivery{msg: msg, count: attempt}
		h.handler(ctx, d)

		switch d.outcome.Load() {
		case outcomeAck:
			session.MarkMessage(msg, "")
			return true
		case outcomeReject:
			err := h.transport.deadLetter(msg)
			if err == nil {
				session.MarkMessage(msg, "")
				return true
			}
			h.transport.logger.Error("failed to dead-letter message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.transport.cfg.RetryDelay):
		}
	}
}

const (
	outcomePending int32 = iota
	outcomeAck
	outcomeRequeue
	outcomeReject
)

type delivery struct {
	msg     *sarama.ConsumerMessage
	count   int
	outcome atomic.Int32
}

func (d *delivery) Body() []byte {
	return d.msg.Value
}

func (d *delivery) Headers() map[string]string {
	headers := make(map[string]string, len(d.msg.Headers)+1)
	for _, h := range d.msg.Headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}
	headers[interceptors.HeaderDeliveryCount] = strconv.Itoa(d.count)
	return headers
}

func (d *delivery) Ack() error {
	d.outcome.CompareAndSwap(outcomePending, outcomeAck)
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	outcome := outcomeReject
	if requeue {
		outcome = outcomeRequeue
	}
	d.outcome.CompareAndSwap(outcomePending, outcome)
	return nil
}
