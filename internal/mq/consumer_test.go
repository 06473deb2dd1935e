package mq

import (
	"context"
	"errors"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ackRecorder struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acked++
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestConsumer_Handle(t *testing.T) {
	transient := Retryable(errors.New("version conflict"))

	tests := []struct {
		name        string
		err         error
		redelivered bool
		wantAck     bool
		wantRequeue bool
	}{
		{name: "success is acked", wantAck: true},
		{name: "failure is dead-lettered", err: errors.New("invalid payload")},
		{name: "transient failure is requeued", err: transient, wantRequeue: true},
		{name: "transient failure on redelivery is dead-lettered", err: transient, redelivered: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Message
			c := &Consumer{
				logger: zap.NewNop(),
				handler: func(ctx context.Context, msg Message) error {
					got = msg
					return tt.err
				},
			}
			acks := &ackRecorder{}

			c.handle(context.Background(), amqp.Delivery{
				Acknowledger: acks,
				MessageId:    "m-1",
				RoutingKey:   "reading.submitted",
				Body:         []byte(`{}`),
				Redelivered:  tt.redelivered,
			})

			assert.Equal(t, "m-1", got.ID)
			assert.Equal(t, "reading.submitted", got.RoutingKey)
			if tt.wantAck {
				assert.Equal(t, 1, acks.acked)
				assert.Zero(t, acks.nacked)
				return
			}
			require.Equal(t, 1, acks.nacked)
			assert.Equal(t, tt.wantRequeue, acks.requeue)
		})
	}
}

func TestRetryable(t *testing.T) {
	base := errors.New("boom")

	assert.Nil(t, Retryable(nil))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", Retryable(base))))
	assert.True(t, errors.Is(Retryable(base), base))
	assert.False(t, IsRetryable(base))
}
