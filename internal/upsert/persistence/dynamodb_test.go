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
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// fakeDynamo implements the three calls DynamoStore makes; any other call
// panics on the nil embedded interface.
type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI

	items       map[string]map[string]*dynamodb.AttributeValue
	err         error
	unprocessed int // leave the last N items of each batch unprocessed

	lastGet   *dynamodb.GetItemInput
	batchSize []int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{}}
}

func (f *fakeDynamo) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	f.lastGet = in
	if f.err != nil {
		return nil, f.err
	}
	for _, av := range in.Key {
		return &dynamodb.GetItemOutput{Item: f.items[*av.S]}, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) PutItemWithContext(ctx aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.items[*in.Item["key"].S] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItemWithContext(ctx aws.Context, in *dynamodb.BatchWriteItemInput, _ ...request.Option) (*dynamodb.BatchWriteItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]*dynamodb.WriteRequest{}}
	for table, reqs := range in.RequestItems {
		f.batchSize = append(f.batchSize, len(reqs))
		cut := len(reqs) - f.unprocessed
		if cut < 0 {
			cut = 0
		}
		for _, wr := range reqs[:cut] {
			f.items[*wr.PutRequest.Item["key"].S] = wr.PutRequest.Item
		}
		if cut < len(reqs) {
			out.UnprocessedItems[table] = reqs[cut:]
		}
	}
	return out, nil
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, DynamoConfig{Table: "t"})
	assert.Error(t, err)
	_, err = NewDynamoStore(newFakeDynamo(), DynamoConfig{})
	assert.Error(t, err)

	d, err := NewDynamoStore(newFakeDynamo(), DynamoConfig{Table: "t"})
	require.NoError(t, err)
	assert.Equal(t, DynamoMaxBatchSize, d.MaxBatchSize())
	assert.Equal(t, "key", d.cfg.KeyAttribute)
	assert.Equal(t, "value", d.cfg.ValueAttribute)
}

func TestDynamoStore_GetPut(t *testing.T) {
	fake := newFakeDynamo()
	d, err := NewDynamoStore(fake, DynamoConfig{Table: "records", ConsistentRead: true})
	require.NoError(t, err)
	ctx := context.Background()

	got, err := d.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NotNil(t, fake.lastGet)
	assert.Equal(t, "records", *fake.lastGet.TableName)
	assert.True(t, *fake.lastGet.ConsistentRead)
	assert.Equal(t, "#k, #v", *fake.lastGet.ProjectionExpression)

	require.NoError(t, d.Put(ctx, kvupsert.Record{Key: "a", Value: json.RawMessage(`{"x":true}`)}))
	got, err = d.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"x":true}`, string(got.Value))

	// Items written by other tools keep their string value.
	fake.items["legacy"] = map[string]*dynamodb.AttributeValue{
		"key":   {S: aws.String("legacy")},
		"value": {S: aws.String("example1")},
	}
	got, err = d.Get(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, `"example1"`, string(got.Value))
}

func TestDynamoStore_StringValuesStoredAsS(t *testing.T) {
	fake := newFakeDynamo()
	d, err := NewDynamoStore(fake, DynamoConfig{Table: "records"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, kvupsert.Record{Key: "001", Value: json.RawMessage(`"example1"`)}))
	av := fake.items["001"]["value"]
	require.NotNil(t, av)
	require.NotNil(t, av.S)
	assert.Equal(t, "example1", *av.S)
	assert.Nil(t, av.B)

	got, err := d.Get(ctx, "001")
	require.NoError(t, err)
	assert.Equal(t, `"example1"`, string(got.Value))

	require.NoError(t, d.BatchPut(ctx, []kvupsert.Record{{Key: "002", Value: json.RawMessage(`[1,2]`)}}))
	av = fake.items["002"]["value"]
	assert.Nil(t, av.S)
	assert.Equal(t, []byte(`[1,2]`), av.B)
}

func TestDynamoStore_BatchPut(t *testing.T) {
	fake := newFakeDynamo()
	d, err := NewDynamoStore(fake, DynamoConfig{Table: "records"})
	require.NoError(t, err)
	ctx := context.Background()

	recs := make([]kvupsert.Record, 3)
	for i, k := range []string{"a", "b", "c"} {
		recs[i] = kvupsert.Record{Key: k, Value: json.RawMessage(`1`)}
	}
	require.NoError(t, d.BatchPut(ctx, recs))
	assert.Equal(t, []int{3}, fake.batchSize)
	assert.Len(t, fake.items, 3)

	tooMany := make([]kvupsert.Record, DynamoMaxBatchSize+1)
	assert.Error(t, d.BatchPut(ctx, tooMany))
}

func TestDynamoStore_UnprocessedItems(t *testing.T) {
	fake := newFakeDynamo()
	fake.unprocessed = 2
	d, err := NewDynamoStore(fake, DynamoConfig{Table: "records"})
	require.NoError(t, err)

	err = d.BatchPut(context.Background(), []kvupsert.Record{{Key: "a"}, {Key: "b"}, {Key: "c"}})
	var pbe *core.PartialBatchError
	require.True(t, errors.As(err, &pbe), "got %v", err)
	assert.ElementsMatch(t, []string{"b", "c"}, pbe.Keys)
	assert.True(t, errors.Is(err, core.ErrThrottled))
	assert.Contains(t, fake.items, "a")
	assert.NotContains(t, fake.items, "b")
}

func TestClassifyDynamo(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"throughput", awserr.New(dynamodb.ErrCodeProvisionedThroughputExceededException, "slow down", nil), core.ErrThrottled},
		{"request limit", awserr.New(dynamodb.ErrCodeRequestLimitExceeded, "slow down", nil), core.ErrThrottled},
		{"throttling", awserr.New("ThrottlingException", "slow down", nil), core.ErrThrottled},
		{"service", awserr.New(dynamodb.ErrCodeInternalServerError, "oops", nil), core.ErrConnectivity},
		{"transport", errors.New("read: connection reset by peer"), core.ErrConnectivity},
		{"missing table", awserr.New(dynamodb.ErrCodeResourceNotFoundException, "no table", nil), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyDynamo("get", tc.err)
			require.Error(t, got)
			if tc.want == nil {
				assert.False(t, core.Retryable(got))
				return
			}
			assert.True(t, errors.Is(got, tc.want), "got %v", got)
		})
	}
}

func TestNewDynamoDBClient(t *testing.T) {
	api, err := NewDynamoDBClient(DynamoConfig{
		Region:          "us-east-1",
		Endpoint:        "http://127.0.0.1:8000",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.NotNil(t, api)
}
