package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const eventsStream = "CAMPAIGN_EVENTS"

// EventSubjects matches every campaign journal subject
// (app.event.{shard}.campaign.{id}).
const EventSubjects = "app.event.>"

// EnsureStreams creates (or validates) the journal stream consumed by
// event-sink.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(eventsStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      eventsStream,
				Subjects:  []string{EventSubjects},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
