package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog"

	"github.com/org/keygate/pkg/models"
)

// SecretsManagerAPI is the subset of the AWS Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource loads the key set from a single secret whose value is
// a JSON object keyed by API key:
//
//	{"test-api-key-12345": {"name": "Test Client", "tier": "free",
//	  "rate_limit": 100, "secret": "...", "permissions": ["read"]}}
type SecretsManagerSource struct {
	client   SecretsManagerAPI
	secretID string
	master   []byte
}

type secretEntry struct {
	Name        string   `json:"name"`
	Tier        string   `json:"tier"`
	RateLimit   int      `json:"rate_limit"`
	Secret      string   `json:"secret"`
	Permissions []string `json:"permissions"`
}

// NewSecretsManagerSource wraps an existing client.
func NewSecretsManagerSource(client SecretsManagerAPI, secretID string, master []byte) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, secretID: secretID, master: master}
}

// NewDefaultSecretsManagerSource builds a client from the default AWS
// credential chain. region may be empty to use the environment's region.
func NewDefaultSecretsManagerSource(ctx context.Context, secretID, region string, master []byte) (*SecretsManagerSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewSecretsManagerSource(secretsmanager.NewFromConfig(cfg), secretID, master), nil
}

// Load implements Source.
func (s *SecretsManagerSource) Load(ctx context.Context) ([]*models.KeyRecord, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching secret %s: %w", s.secretID, err)
	}
	if out.SecretString == nil {
		return nil, errors.New("secret has no string value")
	}

	var doc map[string]secretEntry
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &doc); err != nil {
		return nil, fmt.Errorf("parsing secret %s: %w", s.secretID, err)
	}

	apiKeys := make([]string, 0, len(doc))
	for k := range doc {
		apiKeys = append(apiKeys, k)
	}
	sort.Strings(apiKeys)

	records := make([]*models.KeyRecord, 0, len(doc))
	for _, k := range apiKeys {
		e := doc[k]
		records = append(records, &models.KeyRecord{
			Key:         k,
			Name:        e.Name,
			Tier:        e.Tier,
			RateLimit:   e.RateLimit,
			Secret:      e.Secret,
			Permissions: e.Permissions,
		})
	}
	if err := deriveMissingSecrets(records, s.master); err != nil {
		return nil, err
	}
	return records, nil
}

// Poll reloads src into reg every interval until ctx is cancelled. Failed
// reloads keep the previous snapshot.
func Poll(ctx context.Context, src Source, reg *MemoryRegistry, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log = log.With().Str("component", "key_poller").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := Reload(ctx, src, reg); err != nil {
				log.Error().Err(err).Msg("key reload failed, keeping previous keys")
				continue
			}
			log.Debug().Int("keys", reg.Len()).Msg("keys reloaded")
		}
	}
}
