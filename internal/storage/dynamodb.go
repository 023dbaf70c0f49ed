package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/vaultctl/vaultsync/internal/crypto"
	"github.com/vaultctl/vaultsync/internal/vault"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoDBStore keeps one envelope item per owner in a DynamoDB table
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
	deviceID  string
}

// dynamoItem represents the item structure in DynamoDB
type dynamoItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Ciphertext string `dynamodbav:"vault_ciphertext"`
	Nonce      string `dynamodbav:"vault_nonce"`
	KDFSalt    string `dynamodbav:"kdf_salt"`
	KDFParams  string `dynamodbav:"kdf_params"` // JSON of crypto.KDFConfig
	Cipher     string `dynamodbav:"cipher,omitempty"`
	Version    int64  `dynamodbav:"vault_version"`
	ModifiedAt string `dynamodbav:"modified_at"`
	DeviceID   string `dynamodbav:"device_id"`
}

const vaultSortKey = "VAULT"

// NewDynamoDBStore creates a store using the default AWS credential chain
func NewDynamoDBStore(ctx context.Context, region, tableName string) (*DynamoDBStore, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(cfg), tableName), nil
}

// NewDynamoDBStoreWithClient creates a store around an existing client
func NewDynamoDBStoreWithClient(client DynamoDBAPI, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		deviceID:  GetDeviceID(),
	}
}

// GetDeviceID returns a unique device identifier
func GetDeviceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func ownerKey(owner string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "USER#" + owner},
		"SK": &types.AttributeValueMemberS{Value: vaultSortKey},
	}
}

func (ds *DynamoDBStore) toItem(owner string, env *vault.Envelope) (map[string]types.AttributeValue, error) {
	params, err := json.Marshal(env.KDFConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize kdf params: %w", err)
	}
	item := dynamoItem{
		PK:         "USER#" + owner,
		SK:         vaultSortKey,
		Ciphertext: env.Ciphertext,
		Nonce:      env.Nonce,
		KDFSalt:    env.KDFSalt,
		KDFParams:  string(params),
		Cipher:     env.Cipher,
		Version:    env.SyncVersion,
		ModifiedAt: time.Now().UTC().Format(time.RFC3339),
		DeviceID:   ds.deviceID,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	return av, nil
}

func fromItem(av map[string]types.AttributeValue) (*vault.Envelope, error) {
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	var kdf crypto.KDFConfig
	if err := json.Unmarshal([]byte(item.KDFParams), &kdf); err != nil {
		return nil, fmt.Errorf("%w: bad kdf params", vault.ErrInvalidEnvelope)
	}
	return &vault.Envelope{
		Ciphertext:  item.Ciphertext,
		Nonce:       item.Nonce,
		KDFSalt:     item.KDFSalt,
		KDFConfig:   kdf,
		SyncVersion: item.Version,
		Cipher:      item.Cipher,
	}, nil
}

// classify separates service answers from transport failures. Anything
// that did not come back as an API error never reached DynamoDB.
func classify(ctx context.Context, op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("dynamodb %s: %w", op, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: dynamodb %s: %v", ErrRemoteUnreachable, op, err)
}

// FetchEnvelope loads the owner's envelope item
func (ds *DynamoDBStore) FetchEnvelope(ctx context.Context, owner string) (*vault.Envelope, error) {
	result, err := ds.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(ds.tableName),
		Key:            ownerKey(owner),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(ctx, "get", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return fromItem(result.Item)
}

// FetchVersion reads only the vault_version attribute
func (ds *DynamoDBStore) FetchVersion(ctx context.Context, owner string) (int64, error) {
	result, err := ds.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(ds.tableName),
		Key:                  ownerKey(owner),
		ProjectionExpression: aws.String("vault_version"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return 0, classify(ctx, "get version", err)
	}
	if result.Item == nil {
		return 0, ErrNotFound
	}
	return versionOf(result.Item)
}

func versionOf(item map[string]types.AttributeValue) (int64, error) {
	n, ok := item["vault_version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("%w: item has no vault_version", vault.ErrInvalidEnvelope)
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad vault_version %q", vault.ErrInvalidEnvelope, n.Value)
	}
	return v, nil
}

// CommitEnvelope writes env if it advances past the stored version.
// The check and the write are a single conditional PutItem.
func (ds *DynamoDBStore) CommitEnvelope(ctx context.Context, owner string, env *vault.Envelope) (int64, error) {
	av, err := ds.toItem(owner, env)
	if err != nil {
		return 0, err
	}

	_, err = ds.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(ds.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(PK) AND vault_version < :version"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(env.SyncVersion, 10)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var condCheckErr *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckErr) {
			if condCheckErr.Item == nil {
				return 0, ErrNotFound
			}
			server, verr := versionOf(condCheckErr.Item)
			if verr != nil {
				return 0, verr
			}
			return 0, &VersionConflictError{ServerVersion: server}
		}
		return 0, classify(ctx, "put", err)
	}
	return env.SyncVersion, nil
}

// Register creates the owner's item, failing if one already exists
func (ds *DynamoDBStore) Register(ctx context.Context, owner string, env *vault.Envelope) error {
	av, err := ds.toItem(owner, env)
	if err != nil {
		return err
	}

	_, err = ds.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(ds.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var condCheckErr *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckErr) {
			return ErrAlreadyRegistered
		}
		return classify(ctx, "register", err)
	}
	return nil
}

// EnsureTable creates the table with on-demand billing if it is missing
func (ds *DynamoDBStore) EnsureTable(ctx context.Context) error {
	_, err := ds.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(ds.tableName)})
	if err == nil {
		return nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return classify(ctx, "describe table", err)
	}

	_, err = ds.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(ds.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return classify(ctx, "create table", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(ds.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(ds.tableName)}, 2*time.Minute); err != nil {
		return fmt.Errorf("table %s did not become active: %w", ds.tableName, err)
	}
	return nil
}
