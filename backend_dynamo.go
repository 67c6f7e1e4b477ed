package tiercache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI captures the subset of DynamoDB client methods used by the backend.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoBackend stores items as {k: S, v: B, ea: N}, ea in unix milliseconds
// with 0 meaning no expiry. Conditional expressions back Add, CAS and
// token-checked lock release.
type dynamoBackend struct {
	client DynamoAPI
	table  string
}

const (
	dynamoEnsureTableMaxAttempts = 20
	dynamoEnsureTableRetryDelay  = 150 * time.Millisecond
	dynamoIncrementMaxAttempts   = 8
)

func newDynamoBackend(ctx context.Context, client DynamoAPI, table, region, endpoint string) (Backend, error) {
	if table == "" {
		table = "cache_entries"
	}
	if client == nil {
		built, err := newDynamoClient(ctx, region, endpoint)
		if err != nil {
			return nil, err
		}
		client = built
	}
	if err := ensureDynamoTable(ctx, client, table); err != nil {
		return nil, err
	}
	return &dynamoBackend{client: client, table: table}, nil
}

func newDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")),
	)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint, HostnameImmutable: true}, nil
		})
		if _, err := resolver.ResolveEndpoint("dynamodb", region); err != nil {
			return nil, err
		}
		awsCfg.EndpointResolverWithOptions = resolver
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func (s *dynamoBackend) Driver() Driver { return DriverDynamo }

func (s *dynamoBackend) keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: key}}
}

func (s *dynamoBackend) item(key string, value []byte, exp int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"k":  &types.AttributeValueMemberS{Value: key},
		"v":  &types.AttributeValueMemberB{Value: cloneBytes(value)},
		"ea": &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)},
	}
}

// fetch returns the live value, reaping logically expired items.
func (s *dynamoBackend) fetch(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.keyAttr(key),
	})
	if err != nil {
		return nil, false, err
	}
	if out.Item == nil {
		return nil, false, nil
	}
	if dynamoExpired(out.Item) {
		_, _ = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       s.keyAttr(key),
		})
		return nil, false, nil
	}
	v, ok := out.Item["v"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, errors.New("dynamodb item missing binary value")
	}
	return cloneBytes(v.Value), true, nil
}

func (s *dynamoBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.fetch(ctx, key)
}

func (s *dynamoBackend) Gets(ctx context.Context, key string) ([]byte, Token, bool, error) {
	value, ok, err := s.fetch(ctx, key)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	return value, Token(cloneBytes(value)), true, nil
}

func (s *dynamoBackend) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		value, ok, err := s.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = value
		}
	}
	return out, nil
}

func (s *dynamoBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      s.item(key, value, dynamoExpiry(ttl)),
	})
	return err
}

func (s *dynamoBackend) CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	if token == nil {
		return true, s.Set(ctx, key, value, ttl)
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                s.item(key, value, dynamoExpiry(ttl)),
		ConditionExpression: aws.String("attribute_exists(k) AND v = :tok"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tok": &types.AttributeValueMemberB{Value: []byte(token)},
		},
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *dynamoBackend) MultiSet(ctx context.Context, pairs []Pair, ttl time.Duration) error {
	if len(pairs) == 0 {
		return nil
	}
	exp := dynamoExpiry(ttl)
	writes := make([]types.WriteRequest, 0, len(pairs))
	for _, p := range pairs {
		writes = append(writes, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: s.item(p.Key, p.Value, exp)},
		})
	}
	_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{s.table: writes},
	})
	return err
}

func (s *dynamoBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// A logically expired item counts as absent so lock helpers can
	// reacquire after a lease runs out.
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                s.item(key, value, dynamoExpiry(ttl)),
		ConditionExpression: aws.String("attribute_not_exists(k) OR (ea > :zero AND ea < :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
		},
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return fmt.Errorf("add %q: %w", key, ErrKeyExists)
		}
		return err
	}
	return nil
}

func (s *dynamoBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.fetch(ctx, key)
	return ok, err
}

func (s *dynamoBackend) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	for attempt := 0; attempt < dynamoIncrementMaxAttempts; attempt++ {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key:       s.keyAttr(key),
		})
		if err != nil {
			return 0, err
		}

		current := int64(0)
		exp := int64(0)
		var old []byte
		if out.Item != nil && !dynamoExpired(out.Item) {
			v, ok := out.Item["v"].(*types.AttributeValueMemberB)
			if !ok {
				return 0, errors.New("dynamodb item missing binary value")
			}
			old = v.Value
			current, err = strconv.ParseInt(string(v.Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("increment %q: %w", key, ErrNotANumber)
			}
			if ea, ok := out.Item["ea"].(*types.AttributeValueMemberN); ok {
				exp, _ = strconv.ParseInt(ea.Value, 10, 64)
			}
		}

		next := current + delta
		input := &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      s.item(key, strconv.AppendInt(nil, next, 10), exp),
		}
		if old == nil {
			input.ConditionExpression = aws.String("attribute_not_exists(k) OR (ea > :zero AND ea < :now)")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":zero": &types.AttributeValueMemberN{Value: "0"},
				":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
			}
		} else {
			input.ConditionExpression = aws.String("v = :old")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":old": &types.AttributeValueMemberB{Value: old},
			}
		}
		_, err = s.client.PutItem(ctx, input)
		if err == nil {
			return next, nil
		}
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			continue
		}
		return 0, err
	}
	return 0, errors.New("tiercache: dynamodb increment exceeded retry limit")
}

func (s *dynamoBackend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.keyAttr(key),
		UpdateExpression:    aws.String("SET ea = :exp"),
		ConditionExpression: aws.String("attribute_exists(k) AND (ea = :zero OR ea >= :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exp":  &types.AttributeValueMemberN{Value: strconv.FormatInt(dynamoExpiry(ttl), 10)},
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
		},
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *dynamoBackend) Delete(ctx context.Context, key string) (int, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          s.keyAttr(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return 0, err
	}
	if len(out.Attributes) == 0 {
		return 0, nil
	}
	return 1, nil
}

func (s *dynamoBackend) MultiDelete(ctx context.Context, keys ...string) (int, error) {
	n := 0
	for _, key := range keys {
		removed, err := s.Delete(ctx, key)
		if err != nil {
			return n, err
		}
		n += removed
	}
	return n, nil
}

func (s *dynamoBackend) Clear(ctx context.Context, namespace string) error {
	var lastEvaluatedKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			ProjectionExpression: aws.String("k"),
			ExclusiveStartKey:    lastEvaluatedKey,
		})
		if err != nil {
			return err
		}
		var writes []types.WriteRequest
		for _, item := range out.Items {
			kv, ok := item["k"].(*types.AttributeValueMemberS)
			if !ok || !strings.HasPrefix(kv.Value, namespace) {
				continue
			}
			writes = append(writes, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: s.keyAttr(kv.Value)},
			})
		}
		if len(writes) > 0 {
			_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{s.table: writes},
			})
			if err != nil {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		lastEvaluatedKey = out.LastEvaluatedKey
	}
}

// Raw supports "get", returning the raw item attribute map.
func (s *dynamoBackend) Raw(ctx context.Context, command string, args ...any) (any, error) {
	if command != "get" {
		return nil, fmt.Errorf("%w: %q on %s", ErrRawUnsupported, command, DriverDynamo)
	}
	key, err := rawKeyArg(command, args)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.keyAttr(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Item, nil
}

func (s *dynamoBackend) ReleaseLock(ctx context.Context, key string, token Token) (bool, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.keyAttr(key),
		ConditionExpression: aws.String("v = :tok"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tok": &types.AttributeValueMemberB{Value: []byte(token)},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return false, nil
		}
		return false, err
	}
	return len(out.Attributes) > 0, nil
}

func (s *dynamoBackend) Close(context.Context) error { return nil }

// dynamoExpiry converts a ttl to the stored expiry in unix milliseconds.
func dynamoExpiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixMilli()
}

func dynamoExpired(item map[string]types.AttributeValue) bool {
	av, ok := item["ea"].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(av.Value, 10, 64)
	if err != nil {
		return false
	}
	return exp > 0 && time.Now().UnixMilli() > exp
}

func ensureDynamoTable(ctx context.Context, client DynamoAPI, table string) error {
	var lastErr error
	for attempt := 1; attempt <= dynamoEnsureTableMaxAttempts; attempt++ {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		if err == nil {
			return nil
		}

		var rnfe *types.ResourceNotFoundException
		if errors.As(err, &rnfe) {
			_, createErr := client.CreateTable(ctx, &dynamodb.CreateTableInput{
				TableName: aws.String(table),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("k"), KeyType: types.KeyTypeHash},
				},
				AttributeDefinitions: []types.AttributeDefinition{
					{AttributeName: aws.String("k"), AttributeType: types.ScalarAttributeTypeS},
				},
				BillingMode: types.BillingModePayPerRequest,
			})
			if createErr == nil {
				return nil
			}
			var inUse *types.ResourceInUseException
			if errors.As(createErr, &inUse) {
				return nil
			}
			if !isDynamoStartupRetryable(createErr) {
				return createErr
			}
			lastErr = createErr
		} else {
			if !isDynamoStartupRetryable(err) {
				return err
			}
			lastErr = err
		}

		if attempt == dynamoEnsureTableMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dynamoEnsureTableRetryDelay):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("dynamo table ensure failed")
	}
	return fmt.Errorf("ensure dynamo table %q: %w", table, lastErr)
}

func isDynamoStartupRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "request send failed") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof")
}
