// Package secrets loads the relay signing key, either inline from the
// configuration or from AWS Secrets Manager.
package secrets

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"gohivebridge/EVMRPC"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

// NewAWS uses the default credential chain, region overrides the environment when set.
func NewAWS(ctx context.Context, region string) (*AWSProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "load aws config: %v", err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "nil secretsmanager client")
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.Wrap(ErrInvalidConfig, "empty secret id")
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(key),
	})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %q", key)
	}
	if v := strings.TrimSpace(aws.ToString(out.SecretString)); v != "" {
		return v, nil
	}
	if len(out.SecretBinary) > 0 {
		return strings.TrimSpace(string(out.SecretBinary)), nil
	}
	return "", errors.Wrapf(ErrNotFound, "secret %q has no value", key)
}

// SigningKey returns the inline key when set, otherwise reads secretID from p.
// Errors never carry key material.
func SigningKey(ctx context.Context, inline, secretID string, p Provider) (*ecdsa.PrivateKey, error) {
	raw := inline
	if raw == "" {
		if p == nil {
			return nil, errors.Wrap(ErrInvalidConfig, "no signing key and no secret provider")
		}
		var err error
		if raw, err = p.Get(ctx, secretID); err != nil {
			return nil, err
		}
	}
	return EVMRPC.ParsePrivateKey(raw)
}
