package pubsub

import (
	"fmt"
	"regexp"
	"strings"
)

// ChannelChatFanout is the default channel every gateway instance publishes
// fan-out events to and subscribes on.
const ChannelChatFanout = "chat:fanout"

var channelRegexp = regexp.MustCompile(`^[a-zA-Z0-9._-]+(:[a-zA-Z0-9._-]+)*$`)

// channelToTopic converts a Redis-style channel to a Kafka topic.
//
//	"chat:fanout"       → "chat-fanout"
//	"chat:fanout:stage" → "chat-fanout-stage"
func channelToTopic(channel string) (string, error) {
	if !channelRegexp.MatchString(channel) {
		return "", fmt.Errorf("invalid channel format: %q", channel)
	}
	return strings.ReplaceAll(channel, ":", "-"), nil
}

// partitionKey keeps every event of one chat on one Kafka partition.
func partitionKey(event *Event) string {
	if event.ChatID != "" {
		return event.ChatID
	}
	return event.ID
}
