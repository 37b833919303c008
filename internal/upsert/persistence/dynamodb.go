// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persistence

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// DynamoMaxBatchSize is the BatchWriteItem request limit.
const DynamoMaxBatchSize = 25

// DynamoConfig configures the DynamoDB adapter and its AWS session.
type DynamoConfig struct {
	Table          string
	KeyAttribute   string // partition key attribute, "key" when empty
	ValueAttribute string // "value" when empty
	ConsistentRead bool

	Region          string
	Endpoint        string // e.g. http://localhost:8000 for DynamoDB Local
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxRetries      int // SDK retryer; 0 disables retries
}

func (c DynamoConfig) withDefaults() DynamoConfig {
	if c.KeyAttribute == "" {
		c.KeyAttribute = "key"
	}
	if c.ValueAttribute == "" {
		c.ValueAttribute = "value"
	}
	return c
}

// NewDynamoDBClient opens an AWS session from cfg. Credentials come from
// static keys when set, then the named shared profile, then the default chain.
func NewDynamoDBClient(cfg DynamoConfig) (dynamodbiface.DynamoDBAPI, error) {
	config := &aws.Config{
		Retryer: client.DefaultRetryer{NumMaxRetries: cfg.MaxRetries},
	}
	switch {
	case cfg.AccessKeyID != "":
		config.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	case cfg.Profile != "":
		config.Credentials = credentials.NewSharedCredentials("", cfg.Profile)
	}
	if cfg.Region != "" {
		config.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		config.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return dynamodb.New(sess), nil
}

// DynamoStore keeps one item per record: the record key in the partition key
// attribute and the raw JSON value as a binary attribute.
type DynamoStore struct {
	api dynamodbiface.DynamoDBAPI
	cfg DynamoConfig
}

// NewDynamoStore returns a store over api. cfg.Table is required.
func NewDynamoStore(api dynamodbiface.DynamoDBAPI, cfg DynamoConfig) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("dynamodb client is nil")
	}
	if cfg.Table == "" {
		return nil, errors.New("dynamodb table name is required")
	}
	return &DynamoStore{api: api, cfg: cfg.withDefaults()}, nil
}

func (d *DynamoStore) MaxBatchSize() int { return DynamoMaxBatchSize }

func (d *DynamoStore) Get(ctx context.Context, key string) (*kvupsert.Record, error) {
	out, err := d.api.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(d.cfg.Table),
		Key:                      d.keyOf(key),
		ConsistentRead:           aws.Bool(d.cfg.ConsistentRead),
		ProjectionExpression:     aws.String("#k, #v"),
		ExpressionAttributeNames: map[string]*string{"#k": aws.String(d.cfg.KeyAttribute), "#v": aws.String(d.cfg.ValueAttribute)},
	})
	if err != nil {
		return nil, classifyDynamo("get", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return &kvupsert.Record{Key: key, Value: decodeDynamoValue(out.Item[d.cfg.ValueAttribute])}, nil
}

func (d *DynamoStore) Put(ctx context.Context, rec kvupsert.Record) error {
	_, err := d.api.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.cfg.Table),
		Item:      d.itemOf(rec),
	})
	if err != nil {
		return classifyDynamo("put", err)
	}
	return nil
}

func (d *DynamoStore) BatchPut(ctx context.Context, recs []kvupsert.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if len(recs) > DynamoMaxBatchSize {
		return errors.Errorf("dynamodb batch of %d exceeds limit %d", len(recs), DynamoMaxBatchSize)
	}
	reqs := make([]*dynamodb.WriteRequest, len(recs))
	for i, rec := range recs {
		reqs[i] = &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: d.itemOf(rec)}}
	}
	out, err := d.api.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]*dynamodb.WriteRequest{d.cfg.Table: reqs},
	})
	if err != nil {
		return classifyDynamo("batch_put", err)
	}
	unprocessed := out.UnprocessedItems[d.cfg.Table]
	if len(unprocessed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(unprocessed))
	for _, wr := range unprocessed {
		if wr.PutRequest == nil {
			continue
		}
		if av := wr.PutRequest.Item[d.cfg.KeyAttribute]; av != nil && av.S != nil {
			keys = append(keys, *av.S)
		}
	}
	return &core.PartialBatchError{
		Keys: keys,
		Err:  core.Throttled("batch_put", errors.Errorf("dynamodb left %d of %d items unprocessed", len(unprocessed), len(recs))),
	}
}

func (d *DynamoStore) keyOf(key string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{d.cfg.KeyAttribute: {S: aws.String(key)}}
}

func (d *DynamoStore) itemOf(rec kvupsert.Record) map[string]*dynamodb.AttributeValue {
	item := d.keyOf(rec.Key)
	if len(rec.Value) > 0 {
		item[d.cfg.ValueAttribute] = encodeDynamoValue(rec.Value)
	}
	return item
}

// encodeDynamoValue stores a JSON string as a plain S attribute, readable by
// other clients of the table, and any other JSON value as binary B.
func encodeDynamoValue(v json.RawMessage) *dynamodb.AttributeValue {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return &dynamodb.AttributeValue{S: aws.String(s)}
	}
	return &dynamodb.AttributeValue{B: []byte(v)}
}

// decodeDynamoValue is the inverse of encodeDynamoValue. S attributes come
// back as JSON strings and N attributes as JSON numbers.
func decodeDynamoValue(av *dynamodb.AttributeValue) json.RawMessage {
	switch {
	case av == nil:
		return nil
	case av.B != nil:
		return json.RawMessage(av.B)
	case av.S != nil:
		b, _ := json.Marshal(*av.S)
		return b
	case av.N != nil:
		return json.RawMessage(*av.N)
	}
	return nil
}

func classifyDynamo(op string, err error) error {
	wrapped := errors.Wrapf(err, "dynamodb %s", op)
	aerr, ok := err.(awserr.Error)
	if !ok {
		return core.Connectivity(op, wrapped)
	}
	switch aerr.Code() {
	case dynamodb.ErrCodeProvisionedThroughputExceededException,
		dynamodb.ErrCodeRequestLimitExceeded,
		"ThrottlingException":
		return core.Throttled(op, wrapped)
	case dynamodb.ErrCodeResourceNotFoundException,
		"ValidationException",
		"AccessDeniedException",
		"UnrecognizedClientException":
		return wrapped
	}
	return core.Connectivity(op, wrapped)
}
