package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultAddress = "http://127.0.0.1:8080"

// CLIConfig is what `keyctl login` persists and every other command reads.
type CLIConfig struct {
	Address   string `yaml:"address"`
	APIKey    string `yaml:"api_key,omitempty"`
	Secret    string `yaml:"secret,omitempty"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
}

var cfg CLIConfig

func configPath() string {
	if v := os.Getenv("KEYCTL_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keygate", "config.yaml")
}

// loadConfig reads the file at path. A missing file yields defaults; unknown
// keys or a bad address are errors so typos don't silently fall back.
func loadConfig(path string) (CLIConfig, error) {
	c := CLIConfig{Address: defaultAddress}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("reading %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c CLIConfig) validate() error {
	u, err := url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("address %q: want http(s)://host[:port]", c.Address)
	}
	return nil
}

// resolved applies KEYGATE_* environment overrides. The result is used for
// requests and never written back by login.
func (c CLIConfig) resolved() CLIConfig {
	for _, o := range []struct {
		env string
		dst *string
	}{
		{"KEYGATE_ADDR", &c.Address},
		{"KEYGATE_API_KEY", &c.APIKey},
		{"KEYGATE_SECRET", &c.Secret},
		{"KEYGATE_CACERT", &c.TLSCACert},
	} {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
	return c
}

func (c CLIConfig) tlsConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{}
	if c.TLSCACert == "" {
		return tlsCfg, nil
	}
	data, err := os.ReadFile(c.TLSCACert)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no PEM certificates in %s", c.TLSCACert)
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}

// save writes c to path through a temp file so a crash never leaves a
// truncated credentials file behind.
func (c CLIConfig) save(path string) error {
	if err := c.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
