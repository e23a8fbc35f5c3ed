package broadcast

import (
	"fmt"
	"strconv"
	"strings"
)

type Audience string

const (
	AudienceAll   Audience = "all"
	AudienceUser  Audience = "user"
	AudienceMaker Audience = "maker"

	// TargetAll addresses every subscriber of a chain.
	TargetAll = "all"
)

// Topic is the pub/sub channel <op>:<audience>:<chainId>:<target>. The target
// is a market alias, a user id, a maker connection id or "all".
type Topic struct {
	Op       string
	Audience Audience
	ChainId  int64
	Target   string
}

func (t Topic) String() string {
	return fmt.Sprintf("%s:%s:%d:%s", t.Op, t.Audience, t.ChainId, t.Target)
}

func ParseTopic(channel string) (Topic, error) {
	parts := strings.SplitN(channel, ":", 4)
	if len(parts) != 4 {
		return Topic{}, fmt.Errorf("malformed topic %q", channel)
	}

	chainId, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Topic{}, fmt.Errorf("malformed topic chain %q: %w", channel, err)
	}

	topic := Topic{Op: parts[0], Audience: Audience(parts[1]), ChainId: chainId, Target: parts[3]}
	switch topic.Audience {
	case AudienceAll, AudienceUser, AudienceMaker:
	default:
		return Topic{}, fmt.Errorf("unknown audience in topic %q", channel)
	}

	return topic, nil
}

func patterns() []string {
	return []string{
		"*:" + string(AudienceAll) + ":*:*",
		"*:" + string(AudienceUser) + ":*:*",
		"*:" + string(AudienceMaker) + ":*:*",
	}
}
