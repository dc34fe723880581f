package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type dynamoItem struct {
	Tag         string `dynamodbav:"tag"`
	PatientID   string `dynamodbav:"patientId"`
	MessageType string `dynamodbav:"messageType"`
	State       string `dynamodbav:"state"`
	ReservedAt  int64  `dynamodbav:"reservedAt"`
	ConfirmedAt int64  `dynamodbav:"confirmedAt,omitempty"`
}

// DynamoStore keeps reservations in a DynamoDB table keyed by "tag". Reserve
// is a conditional PutItem on attribute_not_exists(tag).
type DynamoStore struct {
	client dynamoAPI
	table  string
	logger *logging.Logger
}

// NewDynamoStore builds a ledger on the given table.
func NewDynamoStore(client dynamoAPI, table string, logger *logging.Logger) *DynamoStore {
	if client == nil {
		panic("ledger: dynamodb client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoStore{client: client, table: table, logger: logger}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoStore) tagKey(tag string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"tag": &types.AttributeValueMemberS{Value: tag}}
}

func (s *DynamoStore) TryReserve(ctx context.Context, tag, patientID string, mt eligibility.MessageType, now time.Time) (Result, error) {
	item, err := attributevalue.MarshalMap(dynamoItem{
		Tag:         tag,
		PatientID:   patientID,
		MessageType: string(mt),
		State:       string(StateReserved),
		ReservedAt:  now.UnixMilli(),
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal reservation: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#tag)"),
		ExpressionAttributeNames: map[string]string{
			"#tag": "tag",
		},
	})
	if err == nil {
		return Reserved, nil
	}
	if !isConditionFailed(err) {
		return 0, fmt.Errorf("ledger: reserve: %w", err)
	}
	existing, err := s.Get(ctx, tag)
	if errors.Is(err, ErrNotFound) {
		return AlreadyReserved, nil
	}
	if err != nil {
		return 0, err
	}
	if existing.State == StateConfirmed {
		return AlreadyConfirmed, nil
	}
	return AlreadyReserved, nil
}

func (s *DynamoStore) Confirm(ctx context.Context, tag string, now time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.tagKey(tag),
		UpdateExpression:    aws.String("SET #state = :confirmed, #confirmedAt = :now"),
		ConditionExpression: aws.String("#state = :reserved"),
		ExpressionAttributeNames: map[string]string{
			"#state":       "state",
			"#confirmedAt": "confirmedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":confirmed": &types.AttributeValueMemberS{Value: string(StateConfirmed)},
			":reserved":  &types.AttributeValueMemberS{Value: string(StateReserved)},
			":now":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("ledger: confirm: %w", err)
	}
	// missing or already confirmed
	_, err = s.Get(ctx, tag)
	return err
}

func (s *DynamoStore) Release(ctx context.Context, tag string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.tagKey(tag),
		ConditionExpression:       aws.String("#state = :reserved"),
		ExpressionAttributeNames:  map[string]string{"#state": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":reserved": &types.AttributeValueMemberS{Value: string(StateReserved)}},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("ledger: release: %w", err)
	}
	existing, err := s.Get(ctx, tag)
	if err != nil {
		return err
	}
	if existing.State == StateConfirmed {
		return ErrConfirmed
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, tag string) (Reservation, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.tagKey(tag),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return Reservation{}, ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return Reservation{}, fmt.Errorf("ledger: unmarshal reservation: %w", err)
	}
	return item.reservation(), nil
}

func (i dynamoItem) reservation() Reservation {
	r := Reservation{
		Tag:         i.Tag,
		PatientID:   i.PatientID,
		MessageType: eligibility.MessageType(i.MessageType),
		State:       State(i.State),
		ReservedAt:  time.UnixMilli(i.ReservedAt).UTC(),
	}
	if i.ConfirmedAt > 0 {
		r.ConfirmedAt = time.UnixMilli(i.ConfirmedAt).UTC()
	}
	return r
}

func (s *DynamoStore) SweepAbandoned(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	n, err := s.dropWhere(ctx, StateReserved, "reservedAt", now.Add(-timeout))
	if err != nil {
		return n, fmt.Errorf("ledger: sweep: %w", err)
	}
	return n, nil
}

func (s *DynamoStore) PurgeConfirmedBefore(ctx context.Context, before time.Time) (int, error) {
	n, err := s.dropWhere(ctx, StateConfirmed, "confirmedAt", before)
	if err != nil {
		return n, fmt.Errorf("ledger: purge: %w", err)
	}
	return n, nil
}

// dropWhere scans for entries in state whose timestamp attribute is before
// bound, then deletes each one under the same condition so an entry that
// changed state in between is left alone.
func (s *DynamoStore) dropWhere(ctx context.Context, state State, attr string, bound time.Time) (int, error) {
	names := map[string]string{"#state": "state", "#ts": attr, "#tag": "tag"}
	values := map[string]types.AttributeValue{
		":state": &types.AttributeValueMemberS{Value: string(state)},
		":bound": &types.AttributeValueMemberN{Value: strconv.FormatInt(bound.UnixMilli(), 10)},
	}
	filter := aws.String("#state = :state AND #ts < :bound")

	dropped := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          filter,
			ProjectionExpression:      aws.String("#tag"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return dropped, err
		}
		for _, item := range out.Items {
			tagAttr, ok := item["tag"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           aws.String(s.table),
				Key:                 s.tagKey(tagAttr.Value),
				ConditionExpression: filter,
				ExpressionAttributeNames: map[string]string{
					"#state": "state",
					"#ts":    attr,
				},
				ExpressionAttributeValues: values,
			})
			if err != nil {
				if isConditionFailed(err) {
					s.logger.Debug("ledger entry changed before drop", "tag", tagAttr.Value, "state", string(state))
					continue
				}
				return dropped, err
			}
			dropped++
		}
		if len(out.LastEvaluatedKey) == 0 {
			return dropped, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
