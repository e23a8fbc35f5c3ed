package rabbit

import (
	"context"
	"encoding/json"

	"exchange-coordinator/models"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const protobufContentType = "application/x-protobuf"

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Sender relays matched fills to the settlement worker.
type Sender struct {
	channel    publisher
	exchange   string
	routingKey string
}

func NewSender(ctx context.Context, channel *amqp091.Channel, exchange, routingKey string) *Sender {
	s := &Sender{channel: channel, exchange: exchange, routingKey: routingKey}
	go s.handleGraceful(ctx)
	return s
}

func (s *Sender) Relay(ctx context.Context, request models.SettlementRequest) error {
	message, err := encodeSettlementRequest(request)

	if err != nil {
		return err
	}

	bytes, err := proto.Marshal(message)

	if err != nil {
		return err
	}

	return s.channel.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp091.Publishing{
		ContentType:  protobufContentType,
		DeliveryMode: amqp091.Persistent,
		MessageId:    request.RequestId,
		Body:         bytes,
	})
}

func encodeSettlementRequest(request models.SettlementRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"requestId":    request.RequestId,
		"chainId":      request.ChainId,
		"market":       request.Market,
		"fillId":       request.FillId,
		"takerOrderId": request.TakerOrderId,
		"side":         string(request.Side),
		"price":        request.Price.String(),
		"amount":       request.Amount.String(),
		"takerPayload": payloadValue(request.TakerPayload),
		"makerPayload": payloadValue(request.MakerPayload),
	})
}

// payloadValue keeps signed payloads structured when they are JSON and passes them through as text otherwise.
func payloadValue(payload json.RawMessage) interface{} {
	if len(payload) == 0 {
		return nil
	}

	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return string(payload)
	}
	return value
}

func (s *Sender) handleGraceful(ctx context.Context) {
	<-ctx.Done()
	if err := s.channel.Close(); err != nil {
		logrus.Warningln("Settlement channel close failed: ", err.Error())
	}
}
