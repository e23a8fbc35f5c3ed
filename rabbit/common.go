package rabbit

import (
	"context"
	"time"

	"exchange-coordinator/staticerr"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	dialTimeout = time.Minute * 5
	dialBackoff = time.Millisecond * 100
)

// GetRabbitConnection dials until the broker answers, ctx is done or the dial timeout passes.
func GetRabbitConnection(ctx context.Context, connectionString string) (*amqp091.Connection, error) {
	timeout := time.After(dialTimeout)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, staticerr.ErrorRabbitConnectionFail
		default:
			connect, err := amqp091.Dial(connectionString)

			if err != nil {
				attempt++
				if attempt%50 == 1 {
					logrus.WithField("attempt", attempt).Warningln("Rabbit unavailable, retrying: ", err.Error())
				}
				time.Sleep(dialBackoff)
				continue
			}

			return connect, nil
		}
	}
}

type Topology struct {
	SettlementExchange   string
	SettlementRoutingKey string
	SettlementResults    string
}

// DeclareTopology makes sure the settlement exchange and the outcome queue exist.
func DeclareTopology(channel *amqp091.Channel, topology Topology) error {
	if err := channel.ExchangeDeclare(topology.SettlementExchange, amqp091.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}

	_, err := channel.QueueDeclare(topology.SettlementResults, true, false, false, false, nil)
	return err
}
