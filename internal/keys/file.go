package keys

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/org/keygate/internal/crypto"
	"github.com/org/keygate/pkg/models"
)

// FileSource loads keys from a YAML document of the form
//
//	keys:
//	  - key: test-api-key-12345
//	    name: Test Client
//	    tier: free
//	    rate_limit: 100
//	    secret: test-secret-key-67890
//	    permissions: [read]
//
// Entries without a secret get one derived from the master key, if set.
type FileSource struct {
	Path   string
	Master []byte
}

type keyFile struct {
	Keys []*models.KeyRecord `yaml:"keys"`
}

// Load implements Source.
func (f *FileSource) Load(_ context.Context) ([]*models.KeyRecord, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", f.Path, err)
	}
	if err := deriveMissingSecrets(kf.Keys, f.Master); err != nil {
		return nil, err
	}
	return kf.Keys, nil
}

func deriveMissingSecrets(records []*models.KeyRecord, master []byte) error {
	if len(master) == 0 {
		return nil
	}
	for _, r := range records {
		if r == nil || r.Secret != "" || r.Key == "" {
			continue
		}
		secret, err := crypto.DeriveSigningSecret(master, r.Key)
		if err != nil {
			return err
		}
		r.Secret = secret
	}
	return nil
}
