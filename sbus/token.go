package sbus

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types understood by the broker's claims-based-security endpoint.
const (
	TokenTypeSAS = "servicebus.windows.net:sastoken"
	TokenTypeJWT = "jwt"
)

// Token is a security token lease scoped to one audience.
type Token struct {
	Value    string
	Expiry   time.Time
	Type     string
	Audience string
}

// TokenProvider supplies security tokens for link authorization. The client
// is polymorphic over any implementation; errors are propagated to callers
// unwrapped because provider errors are already meaningful.
type TokenProvider interface {
	GetToken(ctx context.Context, audience string, claims []string) (*Token, error)
}

// SASTokenProvider issues shared-access-signature tokens signed with HMAC-SHA256.
type SASTokenProvider struct {
	KeyName  string
	Key      string
	TokenTTL time.Duration
}

// NewSASTokenProvider returns a new SASTokenProvider.
func NewSASTokenProvider(keyName string, key string) *SASTokenProvider {
	return &SASTokenProvider{
		KeyName:  keyName,
		Key:      key,
		TokenTTL: 20 * time.Minute,
	}
}

// GetToken returns a signed SAS token for the audience.
func (provider *SASTokenProvider) GetToken(ctx context.Context, audience string, claims []string) (*Token, error) {
	if provider.KeyName == "" || provider.Key == "" {
		return nil, NewError(AuthenticationError, "SAS key name and key are required")
	}

	ttl := provider.TokenTTL
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	expiry := time.Now().Add(ttl)

	resource := url.QueryEscape(audience)
	stringToSign := resource + "\n" + fmt.Sprintf("%d", expiry.Unix())

	mac := hmac.New(sha256.New, []byte(provider.Key))
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	value := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		resource, url.QueryEscape(signature), expiry.Unix(), provider.KeyName)

	return &Token{
		Value:    value,
		Expiry:   expiry,
		Type:     TokenTypeSAS,
		Audience: audience,
	}, nil
}

// JWTTokenProvider issues HS256-signed JSON web tokens carrying the audience
// and the required claims.
type JWTTokenProvider struct {
	SigningKey []byte
	Issuer     string
	TokenTTL   time.Duration
}

// NewJWTTokenProvider returns a new JWTTokenProvider.
func NewJWTTokenProvider(signingKey []byte, issuer string) *JWTTokenProvider {
	return &JWTTokenProvider{
		SigningKey: signingKey,
		Issuer:     issuer,
		TokenTTL:   20 * time.Minute,
	}
}

// GetToken returns a signed JWT for the audience.
func (provider *JWTTokenProvider) GetToken(ctx context.Context, audience string, claims []string) (*Token, error) {
	if len(provider.SigningKey) == 0 {
		return nil, NewError(AuthenticationError, "JWT signing key is required")
	}

	ttl := provider.TokenTTL
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	now := time.Now()
	expiry := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud":    audience,
		"iss":    provider.Issuer,
		"iat":    jwt.NewNumericDate(now),
		"exp":    jwt.NewNumericDate(expiry),
		"claims": claims,
	})
	value, err := token.SignedString(provider.SigningKey)
	if err != nil {
		return nil, NewError(AuthenticationError, err)
	}

	return &Token{
		Value:    value,
		Expiry:   expiry,
		Type:     TokenTypeJWT,
		Audience: audience,
	}, nil
}
