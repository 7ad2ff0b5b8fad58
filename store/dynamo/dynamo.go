// Package dynamo implements the store.Backend contract on Amazon DynamoDB,
// making the index usable against a fully remote key-value service.
//
// Layout: one DynamoDB table per logical table, each with a single binary
// partition key "uid" and a binary attribute "val". The conditional entry
// upsert maps onto DynamoDB conditional writes, so the version check is
// enforced server-side.
//
// Create the tables with:
//
//	aws dynamodb create-table \
//	  --table-name findex-entries \
//	  --attribute-definitions AttributeName=uid,AttributeType=B \
//	  --key-schema AttributeName=uid,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
//
// and the same for the chain table.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/time/rate"

	"github.com/hupe1980/findexgo/store"
)

// DynamoDB API limits.
const (
	maxBatchGet   = 100
	maxBatchWrite = 25
)

// Client is the subset of the DynamoDB API the backend uses. Declared as an
// interface so tests can substitute a fake.
type Client interface {
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Options tunes the backend.
type Options struct {
	// RequestsPerSecond throttles outgoing API calls client-side.
	// Zero disables throttling.
	RequestsPerSecond float64
}

// Store is a store.Backend persisted in two DynamoDB tables.
type Store struct {
	client     Client
	entryTable string
	chainTable string
	limiter    *rate.Limiter
}

var (
	_ store.Backend     = (*Store)(nil)
	_ store.ChainDumper = (*Store)(nil)
)

// New creates a backend over an existing client and table pair.
func New(client Client, entryTable, chainTable string, optFns ...func(*Options)) *Store {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)
	}

	return &Store{
		client:     client,
		entryTable: entryTable,
		chainTable: chainTable,
		limiter:    limiter,
	}
}

// NewFromDefaultConfig creates a backend using the ambient AWS configuration
// (environment, shared config, instance role).
func NewFromDefaultConfig(ctx context.Context, entryTable, chainTable string, optFns ...func(*Options)) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), entryTable, chainTable, optFns...), nil
}

func (s *Store) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func tokenKey(t store.Token) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"uid": &types.AttributeValueMemberB{Value: append([]byte(nil), t[:]...)},
	}
}

func itemToken(item map[string]types.AttributeValue) (store.Token, error) {
	var t store.Token
	uid, ok := item["uid"].(*types.AttributeValueMemberB)
	if !ok || len(uid.Value) != store.TokenSize {
		return t, fmt.Errorf("malformed uid attribute")
	}
	copy(t[:], uid.Value)
	return t, nil
}

func itemValue(item map[string]types.AttributeValue) ([]byte, error) {
	val, ok := item["val"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("malformed val attribute")
	}
	return append([]byte(nil), val.Value...), nil
}

// FetchEntries returns the present subset of the requested entry rows.
func (s *Store) FetchEntries(ctx context.Context, tokens []store.Token) (map[store.Token][]byte, error) {
	return s.fetch(ctx, s.entryTable, tokens)
}

// FetchChains returns the present subset of the requested chain rows.
func (s *Store) FetchChains(ctx context.Context, tokens []store.Token) (map[store.Token][]byte, error) {
	return s.fetch(ctx, s.chainTable, tokens)
}

func (s *Store) fetch(ctx context.Context, table string, tokens []store.Token) (map[store.Token][]byte, error) {
	res := make(map[store.Token][]byte, len(tokens))

	for start := 0; start < len(tokens); start += maxBatchGet {
		end := min(start+maxBatchGet, len(tokens))

		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, t := range tokens[start:end] {
			keys = append(keys, tokenKey(t))
		}

		request := map[string]types.KeysAndAttributes{table: {Keys: keys}}
		for len(request) > 0 {
			if err := s.wait(ctx); err != nil {
				return nil, err
			}
			out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: request,
			})
			if err != nil {
				return nil, fmt.Errorf("batch get %s: %w", table, err)
			}
			for _, item := range out.Responses[table] {
				t, err := itemToken(item)
				if err != nil {
					return nil, fmt.Errorf("batch get %s: %w", table, err)
				}
				v, err := itemValue(item)
				if err != nil {
					return nil, fmt.Errorf("batch get %s: %w", table, err)
				}
				res[t] = v
			}
			request = out.UnprocessedKeys
		}
	}
	return res, nil
}

// UpsertEntries conditionally writes entry rows via DynamoDB conditional
// puts and returns the rejected subset with current values.
func (s *Store) UpsertEntries(ctx context.Context, updates map[store.Token]store.EntryUpdate) (map[store.Token][]byte, error) {
	rejected := make(map[store.Token][]byte)

	for t, u := range updates {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}

		input := &dynamodb.PutItemInput{
			TableName: aws.String(s.entryTable),
			Item: map[string]types.AttributeValue{
				"uid": &types.AttributeValueMemberB{Value: append([]byte(nil), t[:]...)},
				"val": &types.AttributeValueMemberB{Value: u.Value},
			},
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		}
		if len(u.Previous) == 0 {
			input.ConditionExpression = aws.String("attribute_not_exists(uid)")
		} else {
			input.ConditionExpression = aws.String("val = :prev")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":prev": &types.AttributeValueMemberB{Value: u.Previous},
			}
		}

		_, err := s.client.PutItem(ctx, input)
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				if len(ccf.Item) > 0 {
					cur, err := itemValue(ccf.Item)
					if err != nil {
						return nil, fmt.Errorf("upsert entry: %w", err)
					}
					rejected[t] = cur
				} else {
					rejected[t] = nil
				}
				continue
			}
			return nil, fmt.Errorf("upsert entry: %w", err)
		}
	}
	return rejected, nil
}

// InsertEntries creates entry rows, failing on existing tokens.
func (s *Store) InsertEntries(ctx context.Context, rows map[store.Token][]byte) error {
	return s.insert(ctx, s.entryTable, rows)
}

// InsertChains creates chain rows, failing on existing tokens.
func (s *Store) InsertChains(ctx context.Context, rows map[store.Token][]byte) error {
	return s.insert(ctx, s.chainTable, rows)
}

func (s *Store) insert(ctx context.Context, table string, rows map[store.Token][]byte) error {
	for t, v := range rows {
		if err := s.wait(ctx); err != nil {
			return err
		}
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(table),
			Item: map[string]types.AttributeValue{
				"uid": &types.AttributeValueMemberB{Value: append([]byte(nil), t[:]...)},
				"val": &types.AttributeValueMemberB{Value: v},
			},
			ConditionExpression: aws.String("attribute_not_exists(uid)"),
		})
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				return fmt.Errorf("%s: %w: %s", table, store.ErrTokenExists, t)
			}
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

// DeleteEntries removes entry rows.
func (s *Store) DeleteEntries(ctx context.Context, tokens []store.Token) error {
	return s.delete(ctx, s.entryTable, tokens)
}

// DeleteChains removes chain rows.
func (s *Store) DeleteChains(ctx context.Context, tokens []store.Token) error {
	return s.delete(ctx, s.chainTable, tokens)
}

func (s *Store) delete(ctx context.Context, table string, tokens []store.Token) error {
	for start := 0; start < len(tokens); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(tokens))

		writes := make([]types.WriteRequest, 0, end-start)
		for _, t := range tokens[start:end] {
			writes = append(writes, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: tokenKey(t)},
			})
		}

		request := map[string][]types.WriteRequest{table: writes}
		for len(request) > 0 {
			if err := s.wait(ctx); err != nil {
				return err
			}
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: request,
			})
			if err != nil {
				return fmt.Errorf("batch delete %s: %w", table, err)
			}
			request = out.UnprocessedItems
		}
	}
	return nil
}

// DumpEntryTokens enumerates all entry tokens via a paginated scan.
func (s *Store) DumpEntryTokens(ctx context.Context) ([]store.Token, error) {
	return s.dump(ctx, s.entryTable)
}

// DumpChainTokens enumerates all chain tokens via a paginated scan.
func (s *Store) DumpChainTokens(ctx context.Context) ([]store.Token, error) {
	return s.dump(ctx, s.chainTable)
}

func (s *Store) dump(ctx context.Context, table string) ([]store.Token, error) {
	var tokens []store.Token
	var startKey map[string]types.AttributeValue

	for {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(table),
			ProjectionExpression: aws.String("uid"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		for _, item := range out.Items {
			t, err := itemToken(item)
			if err != nil {
				return nil, fmt.Errorf("scan %s: %w", table, err)
			}
			tokens = append(tokens, t)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return tokens, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
