package sbus

import (
	"context"
	"time"

	"github.com/Azure/go-amqp"
)

// Claims-based-security endpoint and request shape.
const (
	cbsAddress            = "$cbs"
	cbsOperationPutToken  = "put-token"
	cbsPropertyType       = "type"
	cbsPropertyName       = "name"
	cbsPropertyExpiration = "expiration"
)

// negotiateClaim exchanges a bearer token for authorization on the audience.
// Token provider errors pass through unwrapped; a rejected put-token comes
// back as an AuthenticationError carrying the broker's condition.
func (client *Client) negotiateClaim(ctx context.Context, audience string, claims []string) (time.Time, error) {
	cbs, err := client.cbsLink.GetOrCreate(ctx)
	if err != nil {
		return time.Time{}, err
	}

	token, err := client.tokenProvider.GetToken(ctx, audience, claims)
	if err != nil {
		return time.Time{}, err
	}

	request := &amqp.Message{
		ApplicationProperties: map[string]interface{}{
			propertyOperation:     cbsOperationPutToken,
			cbsPropertyType:       token.Type,
			cbsPropertyName:       audience,
			cbsPropertyExpiration: token.Expiry,
		},
		Value: token.Value,
	}

	if _, err := cbs.Execute(ctx, request); err != nil {
		return time.Time{}, err
	}
	return token.Expiry, nil
}
