package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

type mockDynamo struct {
	putInput     *dynamodb.PutItemInput
	putErr       error
	updateInputs []*dynamodb.UpdateItemInput
	updateErr    error
	deleteInputs []*dynamodb.DeleteItemInput
	deleteErrs   map[string]error
	getItem      map[string]types.AttributeValue
	scanPages    []*dynamodb.ScanOutput
	scanCalls    int
}

func (m *mockDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putInput = in
	return &dynamodb.PutItemOutput{}, m.putErr
}

func (m *mockDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updateInputs = append(m.updateInputs, in)
	return &dynamodb.UpdateItemOutput{}, m.updateErr
}

func (m *mockDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: m.getItem}, nil
}

func (m *mockDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.deleteInputs = append(m.deleteInputs, in)
	tag := in.Key["tag"].(*types.AttributeValueMemberS).Value
	return &dynamodb.DeleteItemOutput{}, m.deleteErrs[tag]
}

func (m *mockDynamo) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if m.scanCalls >= len(m.scanPages) {
		return &dynamodb.ScanOutput{}, nil
	}
	page := m.scanPages[m.scanCalls]
	m.scanCalls++
	return page, nil
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: stringPtr("condition failed")}
}

func stringPtr(s string) *string { return &s }

func storedItem(t *testing.T, state State) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(dynamoItem{
		Tag: "tag-1", PatientID: "P", MessageType: "end_of_day", State: string(state), ReservedAt: t0.UnixMilli(),
	})
	require.NoError(t, err)
	return item
}

func TestDynamoTryReserveIsConditional(t *testing.T) {
	mock := &mockDynamo{}
	store := NewDynamoStore(mock, "notifier_reservations", logging.Nop())

	res, err := store.TryReserve(context.Background(), "tag-1", "P", eligibility.EndOfDay, t0)
	require.NoError(t, err)
	assert.Equal(t, Reserved, res)

	require.NotNil(t, mock.putInput)
	assert.Equal(t, "attribute_not_exists(#tag)", *mock.putInput.ConditionExpression)
	var stored dynamoItem
	require.NoError(t, attributevalue.UnmarshalMap(mock.putInput.Item, &stored))
	assert.Equal(t, "reserved", stored.State)
	assert.Equal(t, t0.UnixMilli(), stored.ReservedAt)
}

func TestDynamoTryReserveConflict(t *testing.T) {
	mock := &mockDynamo{putErr: conditionFailed(), getItem: storedItem(t, StateReserved)}
	store := NewDynamoStore(mock, "notifier_reservations", logging.Nop())
	res, err := store.TryReserve(context.Background(), "tag-1", "P", eligibility.EndOfDay, t0)
	require.NoError(t, err)
	assert.Equal(t, AlreadyReserved, res)

	mock.getItem = storedItem(t, StateConfirmed)
	res, err = store.TryReserve(context.Background(), "tag-1", "P", eligibility.EndOfDay, t0)
	require.NoError(t, err)
	assert.Equal(t, AlreadyConfirmed, res)
}

func TestDynamoTryReserveError(t *testing.T) {
	mock := &mockDynamo{putErr: errors.New("throttled")}
	store := NewDynamoStore(mock, "notifier_reservations", logging.Nop())
	_, err := store.TryReserve(context.Background(), "tag-1", "P", eligibility.EndOfDay, t0)
	assert.Error(t, err)
}

func TestDynamoConfirmUsesReservedAttributeNames(t *testing.T) {
	mock := &mockDynamo{}
	store := NewDynamoStore(mock, "notifier_reservations", logging.Nop())
	require.NoError(t, store.Confirm(context.Background(), "tag-1", t0))

	require.Len(t, mock.updateInputs, 1)
	update := mock.updateInputs[0]
	assert.Equal(t, "state", update.ExpressionAttributeNames["#state"])
	assert.Equal(t, "confirmed", update.ExpressionAttributeValues[":confirmed"].(*types.AttributeValueMemberS).Value)

	// already confirmed: idempotent
	mock.updateErr = conditionFailed()
	mock.getItem = storedItem(t, StateConfirmed)
	require.NoError(t, store.Confirm(context.Background(), "tag-1", t0))

	// missing
	mock.getItem = nil
	assert.ErrorIs(t, store.Confirm(context.Background(), "tag-1", t0), ErrNotFound)
}

func TestDynamoRelease(t *testing.T) {
	mock := &mockDynamo{deleteErrs: map[string]error{}}
	store := NewDynamoStore(mock, "notifier_reservations", logging.Nop())
	require.NoError(t, store.Release(context.Background(), "tag-1"))

	mock.deleteErrs["tag-1"] = conditionFailed()
	mock.getItem = storedItem(t, StateConfirmed)
	assert.ErrorIs(t, store.Release(context.Background(), "tag-1"), ErrConfirmed)

	mock.getItem = nil
	assert.ErrorIs(t, store.Release(context.Background(), "tag-1"), ErrNotFound)
}

func TestDynamoSweepPagesAndSkipsChangedEntries(t *testing.T) {
	tagItem := func(tag string) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{"tag": &types.AttributeValueMemberS{Value: tag}}
	}
	mock := &mockDynamo{
		scanPages: []*dynamodb.ScanOutput{
			{Items: []map[string]types.AttributeValue{tagItem("a"), tagItem("b")}, LastEvaluatedKey: tagItem("b")},
			{Items: []map[string]types.AttributeValue{tagItem("c")}},
		},
		deleteErrs: map[string]error{"b": conditionFailed()},
	}
	store := NewDynamoStore(mock, "notifier_reservations", logging.Nop())

	n, err := store.SweepAbandoned(context.Background(), t0, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, mock.scanCalls)
	require.Len(t, mock.deleteInputs, 3)
	assert.Equal(t, "#state = :state AND #ts < :bound", *mock.deleteInputs[0].ConditionExpression)
	assert.Equal(t, "reservedAt", mock.deleteInputs[0].ExpressionAttributeNames["#ts"])
}
