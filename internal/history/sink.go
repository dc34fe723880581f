package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/triage-notifier/pkg/logging"
)

// Sink receives every entry after it has been stored.
type Sink interface {
	Publish(ctx context.Context, e Entry) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher emits confirmed-send events to an SQS queue.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
}

// NewSQSPublisher creates a publisher around the provided SQS client.
func NewSQSPublisher(client *sqs.Client, queueURL string) *SQSPublisher {
	if client == nil {
		panic("history: SQS client cannot be nil")
	}
	return newSQSPublisher(client, queueURL)
}

func newSQSPublisher(client sqsAPI, queueURL string) *SQSPublisher {
	if queueURL == "" {
		panic("history: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

type sentEvent struct {
	Event string `json:"event"`
	Entry
}

func (p *SQSPublisher) Publish(ctx context.Context, e Entry) error {
	body, err := json.Marshal(sentEvent{Event: "notification.sent", Entry: e})
	if err != nil {
		return fmt.Errorf("history: marshal event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"message_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.MessageType)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("history: failed to send SQS message: %w", err)
	}
	return nil
}

// Recorder writes to a Store and then fans out to sinks. Sink failures are
// logged and never fail the append.
type Recorder struct {
	store  Store
	sinks  []Sink
	logger *logging.Logger
}

// NewRecorder wraps store. Nil sinks are ignored.
func NewRecorder(store Store, logger *logging.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Recorder{store: store, logger: logger.Component("history")}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

func (r *Recorder) Append(ctx context.Context, e Entry) error {
	if err := r.store.Append(ctx, e); err != nil {
		return err
	}
	for _, s := range r.sinks {
		if err := s.Publish(ctx, e); err != nil {
			r.logger.Warn("history sink publish failed",
				"patient_id", e.PatientID,
				"message_type", string(e.MessageType),
				"tag", e.Tag,
				"error", err,
			)
		}
	}
	return nil
}

func (r *Recorder) List(ctx context.Context, patientID string, limit int) ([]Entry, error) {
	return r.store.List(ctx, patientID, limit)
}

func (r *Recorder) ListSince(ctx context.Context, since time.Time) ([]Entry, error) {
	return r.store.ListSince(ctx, since)
}

func (r *Recorder) Prune(ctx context.Context, before time.Time) (int, error) {
	return r.store.Prune(ctx, before)
}
