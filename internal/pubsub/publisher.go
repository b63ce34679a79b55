package pubsub

import (
	"context"
	"fmt"
	"strconv"

	"caseintake/internal/model"
	"caseintake/internal/service"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Forwarder hands READY case event messages to downstream rule processing over a Pub/Sub topic.
// Messages of one case share an ordering key so they are delivered in dispatch order.
type Forwarder struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewForwarder creates a Forwarder publishing to topicID in projectID.
func NewForwarder(ctx context.Context, projectID, topicID string, logger zerolog.Logger, opts ...option.ClientOption) (*Forwarder, error) {
	if topicID == "" {
		return nil, fmt.Errorf("pub/sub handler topic is not set")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	return &Forwarder{
		client: client,
		topic:  topic,
		logger: logger.With().Str("service", "PubSubForwarder").Str("topic", topicID).Logger(),
	}, nil
}

// Handle publishes the message content and waits for the server ID.
func (f *Forwarder) Handle(ctx context.Context, msg *model.CaseEventMessage) error {
	result := f.topic.Publish(ctx, &pubsub.Message{
		Data:        []byte(msg.MessageContent),
		OrderingKey: msg.CaseID,
		Attributes: map[string]string{
			"messageId": msg.MessageID,
			"caseId":    msg.CaseID,
			"sequence":  strconv.FormatInt(msg.Sequence, 10),
			"fromDlq":   strconv.FormatBool(msg.FromDlq),
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		// A failed publish pauses its ordering key until resumed.
		f.topic.ResumePublish(msg.CaseID)
		err = fmt.Errorf("failed to publish message %d to topic %s: %w", msg.Sequence, f.topic.ID(), err)
		if isPermanent(err) {
			return service.Permanent(err)
		}
		return err
	}
	f.logger.Debug().Int64("sequence", msg.Sequence).Str("pubsub_id", id).Msg("Forwarded case event")
	return nil
}

// Close flushes pending publishes and releases the client.
func (f *Forwarder) Close() error {
	f.topic.Stop()
	return f.client.Close()
}

func isPermanent(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.NotFound:
		return true
	}
	return false
}
