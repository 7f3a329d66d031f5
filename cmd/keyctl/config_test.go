package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	c, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Address != defaultAddress {
		t.Errorf("expected default address, got %q", c.Address)
	}
}

func TestLoadConfigRejectsUnknownFieldsAndBadAddress(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"typo":    "adress: http://x:1\n",
		"scheme":  "address: ftp://x:1\n",
		"no host": "address: http://\n",
	} {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
		if err := os.WriteFile(path, []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := loadConfig(path); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	in := CLIConfig{Address: "https://gate.example:8443", APIKey: "k", Secret: "s"}
	if err := in.save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected mode 0600, got %o", perm)
	}
	out, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the config file, found %d entries", len(entries))
	}
}

func TestResolvedAppliesEnvWithoutMutating(t *testing.T) {
	t.Setenv("KEYGATE_ADDR", "http://override:9000")
	t.Setenv("KEYGATE_SECRET", "env-secret")
	base := CLIConfig{Address: defaultAddress, APIKey: "file-key"}

	r := base.resolved()
	if r.Address != "http://override:9000" || r.Secret != "env-secret" || r.APIKey != "file-key" {
		t.Errorf("unexpected resolved config: %+v", r)
	}
	if base.Address != defaultAddress || base.Secret != "" {
		t.Errorf("resolved must not modify the receiver: %+v", base)
	}
}

func TestNewClientBadCACert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := newClient(CLIConfig{Address: defaultAddress, TLSCACert: path}); err == nil {
		t.Error("expected an error for a CA file without certificates")
	}
}
