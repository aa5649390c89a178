// Package events publishes request lifecycle events so other parts of the
// platform can react to them. Delivery to humans is not handled here.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	TopicRequestCreated     = "approvalflow.request.created"
	TopicStepAdvanced       = "approvalflow.request.step_advanced"
	TopicRequestCompleted   = "approvalflow.request.completed"
	TopicCallbackDispatched = "approvalflow.request.dispatched"
)

type RequestEvent struct {
	RequestID     int64     `json:"requestId"`
	ExternalID    string    `json:"externalId"`
	WorkflowID    int64     `json:"workflowId"`
	OperationType string    `json:"operation"`
	Status        string    `json:"status"`
	Step          int       `json:"step"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, evt RequestEvent) error
}

type WatermillPublisher struct {
	publisher message.Publisher
}

func NewWatermillPublisher(pub message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{publisher: pub}
}

func (p *WatermillPublisher) Publish(ctx context.Context, topic string, evt RequestEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return p.publisher.Publish(topic, msg)
}

// NewGoChannel returns an in-memory pubsub usable as both publisher and
// subscriber.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, RequestEvent) error { return nil }
