package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// fakeDynamo evaluates the two condition expressions the store issues
type fakeDynamo struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	tables  map[string]bool
	failing error
	lastGet *dynamodb.GetItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:  make(map[string]map[string]types.AttributeValue),
		tables: make(map[string]bool),
	}
}

func keyOf(av map[string]types.AttributeValue) string {
	return av["PK"].(*types.AttributeValueMemberS).Value + "|" + av["SK"].(*types.AttributeValueMemberS).Value
}

func numberOf(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(av.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGet = in
	if f.failing != nil {
		return nil, f.failing
	}
	item, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	if in.ProjectionExpression != nil {
		item = map[string]types.AttributeValue{*in.ProjectionExpression: item[*in.ProjectionExpression]}
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return nil, f.failing
	}
	k := keyOf(in.Item)
	cur, exists := f.items[k]

	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(PK)":
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case "attribute_exists(PK) AND vault_version < :version":
		want := numberOf(in.ExpressionAttributeValues[":version"])
		if !exists || numberOf(cur["vault_version"]) >= want {
			e := &types.ConditionalCheckFailedException{Message: aws.String("stale")}
			if exists && in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
				e.Item = cur
			}
			return nil, e
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tables[aws.ToString(in.TableName)] {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (f *fakeDynamo) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[aws.ToString(in.TableName)] = true
	return &dynamodb.CreateTableOutput{}, nil
}

func TestDynamoDBStore(t *testing.T) {
	remoteContract(t, NewDynamoDBStoreWithClient(newFakeDynamo(), "vaults"))
}

func TestDynamoDBFetchVersionUsesProjection(t *testing.T) {
	fake := newFakeDynamo()
	ds := NewDynamoDBStoreWithClient(fake, "vaults")
	ctx := context.Background()
	if err := ds.Register(ctx, "alice", testEnvelope(7)); err != nil {
		t.Fatal(err)
	}

	v, err := ds.FetchVersion(ctx, "alice")
	if err != nil || v != 7 {
		t.Fatalf("FetchVersion = %d, %v; want 7", v, err)
	}
	if aws.ToString(fake.lastGet.ProjectionExpression) != "vault_version" {
		t.Errorf("projection = %q, want vault_version", aws.ToString(fake.lastGet.ProjectionExpression))
	}
}

func TestDynamoDBStaleCommitReportsServerVersion(t *testing.T) {
	ds := NewDynamoDBStoreWithClient(newFakeDynamo(), "vaults")
	ctx := context.Background()
	if err := ds.Register(ctx, "alice", testEnvelope(5)); err != nil {
		t.Fatal(err)
	}

	_, err := ds.CommitEnvelope(ctx, "alice", testEnvelope(3))
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) || conflict.ServerVersion != 5 {
		t.Fatalf("CommitEnvelope(3) = %v, want conflict at 5", err)
	}
}

func TestDynamoDBErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unreachable bool
	}{
		{name: "transport", err: errors.New("dial tcp 127.0.0.1:8000: connect: connection refused"), unreachable: true},
		{name: "service", err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeDynamo()
			fake.failing = tt.err
			ds := NewDynamoDBStoreWithClient(fake, "vaults")

			_, err := ds.FetchEnvelope(context.Background(), "alice")
			if errors.Is(err, ErrRemoteUnreachable) != tt.unreachable {
				t.Errorf("FetchEnvelope error = %v, unreachable want %v", err, tt.unreachable)
			}
			_, err = ds.CommitEnvelope(context.Background(), "alice", testEnvelope(2))
			if errors.Is(err, ErrRemoteUnreachable) != tt.unreachable {
				t.Errorf("CommitEnvelope error = %v, unreachable want %v", err, tt.unreachable)
			}
		})
	}
}

func TestDynamoDBEnsureTable(t *testing.T) {
	fake := newFakeDynamo()
	ds := NewDynamoDBStoreWithClient(fake, "vaults")
	if err := ds.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if !fake.tables["vaults"] {
		t.Error("table was not created")
	}
	if err := ds.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable on existing table: %v", err)
	}
}
