package repository

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Constants for pagination
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageRequest represents pagination parameters for queries.
type PageRequest struct {
	Limit     int    `json:"limit"`
	NextToken string `json:"nextToken,omitempty"`
}

// NewPageRequest creates a new PageRequest with default values
func NewPageRequest(limit int, nextToken string) PageRequest {
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	return PageRequest{
		Limit:     limit,
		NextToken: nextToken,
	}
}

// GetEffectiveLimit returns the effective limit for PageRequest, ensuring it's within bounds
func (pr PageRequest) GetEffectiveLimit() int {
	if pr.Limit <= 0 || pr.Limit > MaxPageSize {
		return DefaultPageSize
	}
	return pr.Limit
}

// HasNextToken returns true if the request has a pagination token
func (pr PageRequest) HasNextToken() bool {
	return pr.NextToken != ""
}

// LastEvaluatedKey is the position a page stopped at.
type LastEvaluatedKey struct {
	PK string `json:"pk" dynamodbav:"PK"`
	SK string `json:"sk" dynamodbav:"SK"`
}

// EncodeNextToken encodes a LastEvaluatedKey as a base64 token
func EncodeNextToken(key LastEvaluatedKey) string {
	data, err := json.Marshal(key)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeNextToken decodes a base64 token back to LastEvaluatedKey
func DecodeNextToken(token string) (LastEvaluatedKey, error) {
	var key LastEvaluatedKey
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return key, NewInvalidQuery("NextToken", fmt.Sprintf("invalid token format: %v", err))
	}
	if err := json.Unmarshal(data, &key); err != nil {
		return key, NewInvalidQuery("NextToken", fmt.Sprintf("invalid token data: %v", err))
	}
	if key.PK == "" {
		return key, NewInvalidQuery("NextToken", "token has no partition key")
	}
	return key, nil
}
