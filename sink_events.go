package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/kafkapubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"
)

// EventSink publishes every result to a pub/sub topic so other systems can follow the
// probes as they happen. The topic URL selects the broker, e.g. kafka://, nats://,
// rabbit:// or mem://.
type EventSink struct {
	topic *pubsub.Topic
}

func OpenEventSink(ctx context.Context, topicURL string) (*EventSink, error) {
	topic, err := pubsub.OpenTopic(ctx, topicURL)
	if err != nil {
		return nil, fmt.Errorf("opening event topic: %w", err)
	}
	return &EventSink{topic: topic}, nil
}

func (s *EventSink) Write(ctx context.Context, target Target, result Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result event: %w", err)
	}

	metadata := map[string]string{
		"target":    result.TargetName,
		"failed":    strconv.FormatBool(result.Failed()),
		"timestamp": result.FormattedTimestamp(),
	}
	if result.Failure != nil {
		metadata["failure_type"] = string(result.Failure.Type)
	}

	if err := s.topic.Send(ctx, &pubsub.Message{Body: body, Metadata: metadata}); err != nil {
		return fmt.Errorf("publishing result event: %w", err)
	}
	return nil
}

func (s *EventSink) Close(ctx context.Context) error {
	if err := s.topic.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down event topic: %w", err)
	}
	return nil
}
