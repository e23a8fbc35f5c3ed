package broadcast

import (
	"context"
	"encoding/json"

	"exchange-coordinator/metrics"
	"exchange-coordinator/models"

	redisLib "github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"
)

// Publisher hands messages to every coordinator instance through Redis pub/sub.
// Delivery to the connections happens in each instance's Hub.
type Publisher struct {
	cli *redisLib.Client
}

func NewPublisher(cli *redisLib.Client) *Publisher {
	return &Publisher{cli: cli}
}

func (p *Publisher) Publish(ctx context.Context, audience Audience, chainId int64, target string, msg models.Message) error {
	payload, err := json.Marshal(msg)

	if err != nil {
		return err
	}

	topic := Topic{Op: msg.Op, Audience: audience, ChainId: chainId, Target: target}
	if err = p.cli.Publish(ctx, topic.String(), payload).Err(); err != nil {
		logger.WithField("topic", topic.String()).Errorln("Publish failed: ", err.Error())
		return err
	}

	metrics.FanoutMessages.WithLabelValues(msg.Op).Inc()
	return nil
}

func (p *Publisher) ToMarket(ctx context.Context, chainId int64, market string, msg models.Message) error {
	return p.Publish(ctx, AudienceAll, chainId, market, msg)
}

func (p *Publisher) ToChain(ctx context.Context, chainId int64, msg models.Message) error {
	return p.Publish(ctx, AudienceAll, chainId, TargetAll, msg)
}

func (p *Publisher) ToUser(ctx context.Context, chainId int64, userId string, msg models.Message) error {
	return p.Publish(ctx, AudienceUser, chainId, userId, msg)
}

// ToMaker addresses a single maker connection.
func (p *Publisher) ToMaker(ctx context.Context, chainId int64, connId string, msg models.Message) error {
	return p.Publish(ctx, AudienceMaker, chainId, connId, msg)
}
