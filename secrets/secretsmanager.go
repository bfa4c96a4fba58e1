package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// SecretsManagerStore reads bundles from AWS Secrets Manager. Each bundle is
// one secret whose SecretString is a JSON object of fields. Credentials come
// from the instance profile unless static ones are given.
type SecretsManagerStore struct {
	client *secretsmanager.SecretsManager
	region string
	log    *slog.Logger
}

// NewSecretsManagerStore creates a Secrets Manager backed store. endpoint may be
// empty; creds may be nil to use the default credential chain.
func NewSecretsManagerStore(region, endpoint string, creds *credentials.Credentials, log *slog.Logger) (*SecretsManagerStore, error) {
	cfg := aws.Config{
		Region:     aws.String(region),
		MaxRetries: aws.Int(2),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if creds != nil {
		cfg.Credentials = creds
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &SecretsManagerStore{
		client: secretsmanager.New(sess),
		region: region,
		log:    log,
	}, nil
}

// GetBundle fetches the secret named name and decodes its JSON fields.
func (s *SecretsManagerStore) GetBundle(ctx context.Context, name string) (map[string]string, error) {
	start := time.Now()

	out, err := s.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrSecretNotFound, name)
		}
		s.log.Error("Failed to get secret value",
			slog.String("secret", name),
			slog.String("region", s.region),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSecretStoreUnavailable, err)
	}

	var payload []byte
	switch {
	case out.SecretString != nil:
		payload = []byte(aws.StringValue(out.SecretString))
	case len(out.SecretBinary) > 0:
		payload = out.SecretBinary
	default:
		return nil, fmt.Errorf("%w: secret %s has no value", interfaces.ErrMalformedSecret, name)
	}

	fields, err := decodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", name, err)
	}

	s.log.Debug("Fetched secret from Secrets Manager",
		slog.String("secret", name),
		slog.Duration("duration", time.Since(start)))

	return fields, nil
}

// Name returns a unique identifier for this store.
func (s *SecretsManagerStore) Name() string {
	return fmt.Sprintf("secretsmanager-%s", s.region)
}
