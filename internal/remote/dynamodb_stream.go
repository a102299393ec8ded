package remote

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// Shards are re-listed this often so splits are picked up.
const shardRefreshEvery = 10

// streamSubscription tails a DynamoDB stream and forwards the records of one
// collection. Records written by this client are flagged as pending writes.
type streamSubscription struct {
	client     *dynamodbstreams.Client
	streamARN  string
	collection string
	clientID   string
	interval   time.Duration
	handler    core.ChangeHandler

	// iterators maps open shard ids to their next iterator.
	iterators map[string]*string
	finished  map[string]bool

	cancel context.CancelFunc
	doneCh chan struct{}
	once   sync.Once
}

func newStreamSubscription(ctx context.Context, client *dynamodbstreams.Client, streamARN, collection, clientID string,
	interval time.Duration, handler core.ChangeHandler) (*streamSubscription, error) {
	if interval <= 0 {
		interval = time.Second
	}
	s := &streamSubscription{
		client:     client,
		streamARN:  streamARN,
		collection: collection,
		clientID:   clientID,
		interval:   interval,
		handler:    handler,
		iterators:  make(map[string]*string),
		finished:   make(map[string]bool),
		doneCh:     make(chan struct{}),
	}

	// Existing shards start at LATEST: the caller seeds state with a full fetch.
	if err := s.refreshShards(ctx, streamtypes.ShardIteratorTypeLatest); err != nil {
		return nil, err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	log.Printf("[DYNAMODB] Subscribed to stream for %s (%d shards)", collection, len(s.iterators))
	return s, nil
}

func (s *streamSubscription) refreshShards(ctx context.Context, iteratorType streamtypes.ShardIteratorType) error {
	var lastShard *string
	for {
		out, err := s.client.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(s.streamARN),
			ExclusiveStartShardId: lastShard,
		})
		if err != nil {
			return fmt.Errorf("failed to describe stream: %w", classifyDynamoDB(err))
		}
		if out.StreamDescription == nil {
			return nil
		}
		for _, shard := range out.StreamDescription.Shards {
			id := aws.ToString(shard.ShardId)
			if _, ok := s.iterators[id]; ok || s.finished[id] {
				continue
			}
			it, err := s.client.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
				StreamArn:         aws.String(s.streamARN),
				ShardId:           shard.ShardId,
				ShardIteratorType: iteratorType,
			})
			if err != nil {
				return fmt.Errorf("failed to get iterator for shard %s: %w", id, classifyDynamoDB(err))
			}
			s.iterators[id] = it.ShardIterator
		}
		lastShard = out.StreamDescription.LastEvaluatedShardId
		if lastShard == nil {
			return nil
		}
	}
}

func (s *streamSubscription) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	rounds := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rounds++
		if rounds%shardRefreshEvery == 0 {
			// Shards created after subscribing are read from their start.
			if err := s.refreshShards(ctx, streamtypes.ShardIteratorTypeTrimHorizon); err != nil && ctx.Err() == nil {
				log.Printf("[DYNAMODB] WARNING: Shard refresh for %s failed: %v", s.collection, err)
			}
		}
		s.poll(ctx)
	}
}

func (s *streamSubscription) poll(ctx context.Context) {
	var changes []core.Change
	for shardID, iterator := range s.iterators {
		if iterator == nil {
			delete(s.iterators, shardID)
			s.finished[shardID] = true
			continue
		}
		out, err := s.client.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{ShardIterator: iterator})
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[DYNAMODB] WARNING: GetRecords on shard %s failed: %v", shardID, err)
			}
			continue
		}
		s.iterators[shardID] = out.NextShardIterator

		for _, rec := range out.Records {
			change, ok, err := s.decode(rec)
			if err != nil {
				log.Printf("[DYNAMODB] WARNING: Skipping undecodable stream record: %v", err)
				continue
			}
			if ok {
				changes = append(changes, change)
			}
		}
	}

	if len(changes) > 0 && ctx.Err() == nil {
		s.handler(changes)
	}
}

func (s *streamSubscription) decode(rec streamtypes.Record) (core.Change, bool, error) {
	if rec.Dynamodb == nil {
		return core.Change{}, false, nil
	}

	image := rec.Dynamodb.NewImage
	changeType := core.ChangeModified
	switch rec.EventName {
	case streamtypes.OperationTypeInsert:
		changeType = core.ChangeAdded
	case streamtypes.OperationTypeRemove:
		changeType = core.ChangeRemoved
		image = rec.Dynamodb.OldImage
		if image == nil {
			image = rec.Dynamodb.Keys
		}
	}

	converted, err := attributevalue.FromDynamoDBStreamsMap(image)
	if err != nil {
		return core.Change{}, false, err
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(converted, &item); err != nil {
		return core.Change{}, false, err
	}
	if item.Collection != s.collection {
		return core.Change{}, false, nil
	}

	return core.Change{
		Type:         changeType,
		Doc:          item.document(),
		PendingWrite: item.Origin != "" && item.Origin == s.clientID,
	}, true, nil
}

func (s *streamSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.doneCh
		log.Printf("[DYNAMODB] Closed stream subscription for %s", s.collection)
	})
	return nil
}
