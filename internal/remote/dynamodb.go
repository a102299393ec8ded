package remote

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/google/uuid"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/registry"
)

// UpdatedAtIndex is the local secondary index ordering a collection by
// updated_at. The table key is (collection, id).
const UpdatedAtIndex = "updated_at-index"

// DynamoDB transactions accept at most 100 items.
const maxTransactItems = 100

// dynamoItem is the stored form of a document.
type dynamoItem struct {
	Collection string                 `dynamodbav:"collection"`
	ID         string                 `dynamodbav:"id"`
	Data       map[string]interface{} `dynamodbav:"data"`
	UpdatedAt  int64                  `dynamodbav:"updated_at"`
	Version    int64                  `dynamodbav:"version"`
	Origin     string                 `dynamodbav:"origin,omitempty"`
}

func (it dynamoItem) document() core.Document {
	doc := core.Document{ID: it.ID, Data: it.Data, Version: it.Version}
	if it.UpdatedAt > 0 {
		doc.UpdatedAt = time.Unix(0, it.UpdatedAt).UTC()
	}
	if doc.Data == nil {
		doc.Data = map[string]interface{}{}
	}
	return doc
}

// DynamoDBStore implements core.RemoteStore on a single DynamoDB table.
// Subscriptions read the table's stream when one is enabled and poll the
// updated_at index otherwise.
type DynamoDBStore struct {
	client         *dynamodb.Client
	streams        *dynamodbstreams.Client
	tableName      string
	streamARN      string
	clientID       string
	requestTimeout time.Duration
	pollInterval   time.Duration

	mu     sync.RWMutex
	closed bool
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretAccessKey string) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Override credentials if provided
	if accessKeyID != "" && secretAccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	}
	return cfg, nil
}

// NewDynamoDBStore connects to the table and discovers its stream.
func NewDynamoDBStore(cfg Config) (*DynamoDBStore, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if cfg.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	var dynamoOpts []func(*dynamodb.Options)
	var streamOpts []func(*dynamodbstreams.Options)
	if cfg.Endpoint != "" {
		// Custom endpoint (e.g., for LocalStack)
		dynamoOpts = append(dynamoOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
		streamOpts = append(streamOpts, func(o *dynamodbstreams.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := dynamodb.NewFromConfig(awsCfg, dynamoOpts...)
	desc, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(cfg.TableName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", cfg.TableName, classifyDynamoDB(err))
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	store := &DynamoDBStore{
		client:         client,
		streams:        dynamodbstreams.NewFromConfig(awsCfg, streamOpts...),
		tableName:      cfg.TableName,
		clientID:       clientID,
		requestTimeout: cfg.RequestTimeout,
		pollInterval:   cfg.StreamPoll,
	}
	if desc.Table != nil && desc.Table.LatestStreamArn != nil {
		store.streamARN = aws.ToString(desc.Table.LatestStreamArn)
		log.Printf("[DYNAMODB] Using stream %s for change notifications", store.streamARN)
	} else {
		log.Printf("[DYNAMODB] Table %s has no stream, subscriptions will poll", cfg.TableName)
	}
	return store, nil
}

func (d *DynamoDBStore) check(ctx context.Context) (context.Context, context.CancelFunc, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, nil, fmt.Errorf("%w: dynamodb store is closed", core.ErrUnavailable)
	}
	if d.requestTimeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	return ctx, cancel, nil
}

func key(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"collection": &types.AttributeValueMemberS{Value: collection},
		"id":         &types.AttributeValueMemberS{Value: id},
	}
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixNano()
}

// Create implements core.RemoteStore.
func (d *DynamoDBStore) Create(ctx context.Context, collection string, doc core.Document) (core.Document, error) {
	ctx, cancel, err := d.check(ctx)
	if err != nil {
		return core.Document{}, err
	}
	defer cancel()

	item := dynamoItem{
		Collection: collection,
		ID:         uuid.NewString(),
		Data:       doc.Data,
		UpdatedAt:  nanos(doc.UpdatedAt),
		Version:    1,
		Origin:     d.clientID,
	}
	if item.Data == nil {
		item.Data = map[string]interface{}{}
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return core.Document{}, fmt.Errorf("%w: failed to marshal document: %v", core.ErrValidation, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		log.Printf("[DYNAMODB] ERROR: Failed to create document in %s: %v", collection, err)
		return core.Document{}, fmt.Errorf("failed to create document in %s: %w", collection, classifyDynamoDB(err))
	}
	log.Printf("[DYNAMODB] Created %s/%s", collection, item.ID)
	return item.document(), nil
}

// Get implements core.RemoteStore.
func (d *DynamoDBStore) Get(ctx context.Context, collection, id string) (core.Document, error) {
	ctx, cancel, err := d.check(ctx)
	if err != nil {
		return core.Document{}, err
	}
	defer cancel()

	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            key(collection, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		log.Printf("[DYNAMODB] ERROR: Failed to get %s/%s: %v", collection, id, err)
		return core.Document{}, fmt.Errorf("failed to get %s/%s: %w", collection, id, classifyDynamoDB(err))
	}
	if out.Item == nil {
		return core.Document{}, fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, id)
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return core.Document{}, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return item.document(), nil
}

func (d *DynamoDBStore) updateExpression(doc core.Document) (map[string]types.AttributeValue, error) {
	data := doc.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	dataAV, err := attributevalue.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal document: %v", core.ErrValidation, err)
	}
	return map[string]types.AttributeValue{
		":d":   dataAV,
		":u":   &types.AttributeValueMemberN{Value: strconv.FormatInt(nanos(doc.UpdatedAt), 10)},
		":o":   &types.AttributeValueMemberS{Value: d.clientID},
		":one": &types.AttributeValueMemberN{Value: "1"},
	}, nil
}

const setExpression = "SET #data = :d, updated_at = :u, origin = :o ADD version :one"

// Set implements core.RemoteStore.
func (d *DynamoDBStore) Set(ctx context.Context, collection string, doc core.Document) (core.Document, error) {
	ctx, cancel, err := d.check(ctx)
	if err != nil {
		return core.Document{}, err
	}
	defer cancel()

	values, err := d.updateExpression(doc)
	if err != nil {
		return core.Document{}, err
	}

	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       key(collection, doc.ID),
		UpdateExpression:          aws.String(setExpression),
		ConditionExpression:       aws.String("attribute_exists(id)"),
		ExpressionAttributeNames:  map[string]string{"#data": "data"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		log.Printf("[DYNAMODB] ERROR: Failed to update %s/%s: %v", collection, doc.ID, err)
		return core.Document{}, fmt.Errorf("failed to update %s/%s: %w", collection, doc.ID, classifyDynamoDB(err))
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return core.Document{}, fmt.Errorf("failed to decode %s/%s: %w", collection, doc.ID, err)
	}
	log.Printf("[DYNAMODB] Updated %s/%s to version %d", collection, doc.ID, item.Version)
	return item.document(), nil
}

// Delete implements core.RemoteStore.
func (d *DynamoDBStore) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel, err := d.check(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       key(collection, id),
	})
	if err != nil {
		log.Printf("[DYNAMODB] ERROR: Failed to delete %s/%s: %v", collection, id, err)
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, classifyDynamoDB(err))
	}
	log.Printf("[DYNAMODB] Deleted %s/%s", collection, id)
	return nil
}

// Query implements core.RemoteStore using the updated_at index.
func (d *DynamoDBStore) Query(ctx context.Context, collection string, q core.Query) ([]core.Document, error) {
	ctx, cancel, err := d.check(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		IndexName:              aws.String(UpdatedAtIndex),
		KeyConditionExpression: aws.String("#c = :c"),
		ExpressionAttributeNames: map[string]string{
			"#c": "collection",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: collection},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var docs []core.Document
	for {
		if q.Limit > 0 {
			input.Limit = aws.Int32(int32(q.Limit - len(docs)))
		}
		page, err := d.client.Query(ctx, input)
		if err != nil {
			log.Printf("[DYNAMODB] ERROR: Query on %s failed: %v", collection, err)
			return nil, fmt.Errorf("failed to query %s: %w", collection, classifyDynamoDB(err))
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to decode %s page: %w", collection, err)
		}
		for _, it := range items {
			docs = append(docs, it.document())
		}
		if len(page.LastEvaluatedKey) == 0 || (q.Limit > 0 && len(docs) >= q.Limit) {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
	return docs, nil
}

// Subscribe implements core.RemoteStore.
func (d *DynamoDBStore) Subscribe(ctx context.Context, collection string, q core.Query, handler core.ChangeHandler) (core.Subscription, error) {
	if d.streamARN == "" {
		return newPollSubscription(ctx, collection, d.pollInterval, q.Limit, func(ctx context.Context) ([]core.Document, error) {
			return d.Query(ctx, collection, q)
		}, handler), nil
	}
	return newStreamSubscription(ctx, d.streams, d.streamARN, collection, d.clientID, d.pollInterval, handler)
}

// Batch implements core.RemoteStore.
func (d *DynamoDBStore) Batch() core.WriteBatch {
	return &dynamoBatch{store: d}
}

// Ping implements core.RemoteStore.
func (d *DynamoDBStore) Ping(ctx context.Context) error {
	ctx, cancel, err := d.check(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if _, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	}); err != nil {
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	return nil
}

// Close marks the store closed. The SDK clients hold no connections that
// need explicit release.
func (d *DynamoDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type dynamoBatch struct {
	store *DynamoDBStore
	items []types.TransactWriteItem
	err   error
}

func (b *dynamoBatch) Set(collection string, doc core.Document) {
	values, err := b.store.updateExpression(doc)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return
	}
	b.items = append(b.items, types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 aws.String(b.store.tableName),
			Key:                       key(collection, doc.ID),
			UpdateExpression:          aws.String(setExpression),
			ExpressionAttributeNames:  map[string]string{"#data": "data"},
			ExpressionAttributeValues: values,
		},
	})
}

func (b *dynamoBatch) Delete(collection, id string) {
	b.items = append(b.items, types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(b.store.tableName),
			Key:       key(collection, id),
		},
	})
}

func (b *dynamoBatch) Len() int { return len(b.items) }

// Commit writes the batch as one or more transactions of at most 100 items.
func (b *dynamoBatch) Commit(ctx context.Context) error {
	if b.err != nil {
		err := b.err
		b.items, b.err = nil, nil
		return err
	}
	ctx, cancel, err := b.store.check(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for len(b.items) > 0 {
		n := len(b.items)
		if n > maxTransactItems {
			n = maxTransactItems
		}
		_, err := b.store.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: b.items[:n],
		})
		if err != nil {
			log.Printf("[DYNAMODB] ERROR: Batch commit failed: %v", err)
			return fmt.Errorf("failed to commit batch: %w", classifyDynamoDB(err))
		}
		log.Printf("[DYNAMODB] Committed batch of %d writes", n)
		b.items = b.items[n:]
	}
	return nil
}

// DynamoDBStoreFactory creates DynamoDB remote stores.
type DynamoDBStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *DynamoDBStoreFactory) Type() string {
	return "dynamodb"
}

// Validate validates the DynamoDB-specific configuration.
func (f *DynamoDBStoreFactory) Validate(config Config) error {
	if config.Type != "dynamodb" {
		return fmt.Errorf("invalid type for DynamoDB factory: %s", config.Type)
	}
	if config.Region == "" {
		return fmt.Errorf("region is required for DynamoDB")
	}
	if config.TableName == "" {
		return fmt.Errorf("table_name is required for DynamoDB")
	}
	return nil
}

// Create creates a new DynamoDB remote store.
func (f *DynamoDBStoreFactory) Create(config Config) (core.RemoteStore, error) {
	store, err := NewDynamoDBStore(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB remote store: %w", err)
	}
	return store, nil
}

// DynamoDBConfigValidator validates the dynamodb section of the internal config.
type DynamoDBConfigValidator struct{}

// Type returns the type identifier for this validator.
func (v *DynamoDBConfigValidator) Type() string {
	return "dynamodb"
}

// Validate validates the DynamoDB-specific configuration in the internal config.
func (v *DynamoDBConfigValidator) Validate(config *registry.InternalConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	dynamoConfig := config.Remote.DynamoDBConfig
	if dynamoConfig.Region == "" {
		return fmt.Errorf("region is required for DynamoDB")
	}
	if dynamoConfig.TableName == "" {
		return fmt.Errorf("table_name is required for DynamoDB")
	}
	if (dynamoConfig.AccessKeyID == "") != (dynamoConfig.SecretAccessKey == "") {
		return fmt.Errorf("access_key_id and secret_access_key must be set together")
	}
	if dynamoConfig.StreamPoll < 0 {
		return fmt.Errorf("stream_poll must be non-negative, got: %v", dynamoConfig.StreamPoll)
	}
	return nil
}

func init() {
	RegisterFactory(&DynamoDBStoreFactory{})
	registry.RegisterValidator(&DynamoDBConfigValidator{})
}
