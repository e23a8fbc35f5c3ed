package rabbit

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type ParserFunc[T any] func([]byte) (*T, error)
type HandlerFunc[T any] func(context.Context, *T) error

// RetryFunc reports whether a failed delivery should go back to the queue.
type RetryFunc func(error) bool

type Processor[T any] struct {
	parser  ParserFunc[T]
	handler HandlerFunc[T]
	retry   RetryFunc
}

func NewProcessor[T any](parser ParserFunc[T], handler HandlerFunc[T], retry RetryFunc) Processor[T] {
	return Processor[T]{parser: parser, handler: handler, retry: retry}
}

// Consume handles deliveries from queue until ctx is done or the channel closes.
func (p *Processor[T]) Consume(ctx context.Context, channel *amqp091.Channel, queue string) error {
	deliveries, err := channel.Consume(queue, "", false, false, false, false, nil)

	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			p.processMessage(ctx, msg)
		}
	}
}

func (p *Processor[T]) processMessage(ctx context.Context, msg amqp091.Delivery) {
	body, err := p.parser(msg.Body)

	if err != nil {
		logrus.WithField("messageId", msg.MessageId).Warningln("Unreadable message, dropping: ", err.Error())
		msg.Nack(false, false)
		return
	}

	if err = p.handler(ctx, body); err != nil {
		requeue := p.retry != nil && p.retry(err)
		logrus.WithFields(logrus.Fields{"messageId": msg.MessageId, "requeue": requeue}).Errorln("Message handling failed: ", err.Error())
		msg.Nack(false, requeue)
		return
	}

	msg.Ack(false)
}
