package broadcast

import (
	"context"

	redisLib "github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"
)

// Hub relays fanout messages from Redis to the local connections.
type Hub struct {
	cli      *redisLib.Client
	registry *Registry
	ready    chan struct{}
}

func NewHub(cli *redisLib.Client, registry *Registry) *Hub {
	return &Hub{cli: cli, registry: registry, ready: make(chan struct{})}
}

// Ready is closed once the hub is subscribed to every audience.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

func (h *Hub) Run(ctx context.Context) error {
	subscribed := patterns()
	pubsub := h.cli.PSubscribe(ctx, subscribed...)
	defer pubsub.Close()

	for range subscribed {
		if _, err := pubsub.Receive(ctx); err != nil {
			return err
		}
	}
	close(h.ready)
	logger.WithField("patterns", subscribed).Infoln("Fanout hub subscribed")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			h.Deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Deliver sends one published payload to the local connections its topic addresses.
func (h *Hub) Deliver(channel string, payload []byte) {
	topic, err := ParseTopic(channel)

	if err != nil {
		logger.WithField("channel", channel).Warningln("Skipping fanout message: ", err.Error())
		return
	}

	var targets []Subscriber
	switch topic.Audience {
	case AudienceAll:
		targets = h.registry.ForMarket(topic.ChainId, topic.Target)
	case AudienceUser:
		targets = h.registry.ForUser(topic.ChainId, topic.Target)
	case AudienceMaker:
		if subscriber, ok := h.registry.Get(topic.Target); ok {
			targets = []Subscriber{subscriber}
		}
	}

	for _, subscriber := range targets {
		if err := subscriber.Send(payload); err != nil {
			logger.WithFields(logger.Fields{"topic": channel, "connId": subscriber.ID()}).Warningln("Delivery failed: ", err.Error())
		}
	}
}
