package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/infrastructure/database"
)

// dynamoItems stores items in a DynamoDB table keyed by PK and SK.
type dynamoItems struct {
	api   database.DynamoDBAPI
	table string
}

func (d dynamoItems) key(key Key) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(LastEvaluatedKey{PK: key.PK, SK: key.SK})
	if err != nil {
		return nil, marshalError("marshal key", err)
	}
	return av, nil
}

func (d dynamoItems) get(ctx context.Context, key Key) (Item, bool, error) {
	k, err := d.key(key)
	if err != nil {
		return nil, false, err
	}
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       k,
	})
	if err != nil {
		return nil, false, database.ClassifyAWSError(err, "GetItem", d.table)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	var item Item
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, false, marshalError("unmarshal item", err)
	}
	return item, true, nil
}

func (d dynamoItems) put(ctx context.Context, _ Key, item Item) error {
	av, err := attributevalue.MarshalMap(map[string]any(item))
	if err != nil {
		return marshalError("marshal item", err)
	}
	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return database.ClassifyAWSError(err, "PutItem", d.table)
	}
	return nil
}

func (d dynamoItems) delete(ctx context.Context, key Key) error {
	k, err := d.key(key)
	if err != nil {
		return err
	}
	_, err = d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       k,
	})
	if err != nil {
		return database.ClassifyAWSError(err, "DeleteItem", d.table)
	}
	return nil
}

func (d dynamoItems) query(ctx context.Context, q Query, start *LastEvaluatedKey) (Page, error) {
	keyCond := expression.Key(AttrPK).Equal(expression.Value(q.PK))
	if q.SKPrefix != "" {
		keyCond = keyCond.And(expression.Key(AttrSK).BeginsWith(q.SKPrefix))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return Page{}, marshalError("build key condition", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(int32(q.Page.GetEffectiveLimit())),
		ScanIndexForward:          aws.Bool(!q.Descending),
	}
	if start != nil {
		if input.ExclusiveStartKey, err = d.key(Key(*start)); err != nil {
			return Page{}, err
		}
	}

	out, err := d.api.Query(ctx, input)
	if err != nil {
		return Page{}, database.ClassifyAWSError(err, "Query", d.table)
	}

	page := Page{Items: make([]Item, 0, len(out.Items))}
	for _, av := range out.Items {
		var item Item
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return Page{}, marshalError("unmarshal item", err)
		}
		page.Items = append(page.Items, item)
	}
	if len(out.LastEvaluatedKey) > 0 {
		var last LastEvaluatedKey
		if err := attributevalue.UnmarshalMap(out.LastEvaluatedKey, &last); err != nil {
			return Page{}, marshalError("unmarshal last evaluated key", err)
		}
		page.NextToken = EncodeNextToken(last)
	}
	return page, nil
}

func marshalError(op string, err error) error {
	return errors.NewError(errors.ErrorTypeInternal, errors.CodeQueryFailed, fmt.Sprintf("failed to %s", op)).
		WithCause(err).
		Build()
}
