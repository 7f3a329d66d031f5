package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/org/keygate/internal/crypto"
	"github.com/org/keygate/internal/keys"
	"github.com/org/keygate/internal/signature"
	"github.com/org/keygate/internal/storage"
	"github.com/org/keygate/pkg/models"
)

var rootCmd = &cobra.Command{
	Use:   "keyctl",
	Short: "keygate CLI",
	Long:  "A CLI for issuing API keys and calling keygate-protected endpoints.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(configPath())
		return err
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (gjson path, e.g. stats.keys_registered)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(auditCmd())
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the address, API key and secret used by other commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("address"); v != "" {
				cfg.Address = v
			}
			if v, _ := cmd.Flags().GetString("key"); v != "" {
				cfg.APIKey = v
			}
			if v, _ := cmd.Flags().GetString("secret"); v != "" {
				cfg.Secret = v
			}
			if err := cfg.save(configPath()); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Saved credentials to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "keygate server address")
	cmd.Flags().String("key", "", "API key")
	cmd.Flags().String("secret", "", "Signing secret")
	return cmd
}

// --- keys ---

func masterKey(cmd *cobra.Command) []byte {
	if v, _ := cmd.Flags().GetString("master-key"); v != "" {
		return []byte(v)
	}
	if v := os.Getenv("KEYGATE_MASTER_KEY"); v != "" {
		return []byte(v)
	}
	return nil
}

func dbURL(cmd *cobra.Command) (string, error) {
	if v, _ := cmd.Flags().GetString("db-url"); v != "" {
		return v, nil
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v, nil
	}
	return "", errors.New("--db-url or DATABASE_URL is required")
}

// generateRecord builds a new key record. With derive set the secret is
// left empty so the server derives it from the master key.
func generateRecord(prefix, name, tier string, rateLimit int, perms []string, derive bool) (*models.KeyRecord, error) {
	if rateLimit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", rateLimit)
	}
	key, err := crypto.GenerateAPIKey(prefix)
	if err != nil {
		return nil, err
	}
	rec := &models.KeyRecord{
		Key:         key,
		Name:        name,
		Tier:        tier,
		RateLimit:   rateLimit,
		Permissions: perms,
	}
	if !derive {
		if rec.Secret, err = crypto.GenerateSecret(); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys"}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new API key as a key-file entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			name, _ := cmd.Flags().GetString("name")
			tier, _ := cmd.Flags().GetString("tier")
			limit, _ := cmd.Flags().GetInt("rate-limit")
			perms, _ := cmd.Flags().GetStringSlice("perm")
			derive, _ := cmd.Flags().GetBool("derive")

			rec, err := generateRecord(prefix, name, tier, limit, perms, derive)
			if err != nil {
				printError(err.Error())
				return nil
			}
			out, err := yaml.Marshal(map[string]any{"keys": []*models.KeyRecord{rec}})
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Print(string(out))
			return nil
		},
	}
	generateCmd.Flags().String("prefix", "kg_", "Key prefix")
	generateCmd.Flags().String("name", "", "Display name")
	generateCmd.Flags().String("tier", "free", "Tier label")
	generateCmd.Flags().Int("rate-limit", 100, "Requests per 60s window")
	generateCmd.Flags().StringSlice("perm", []string{models.PermRead}, "Permission tags")
	generateCmd.Flags().Bool("derive", false, "Omit the secret; the server derives it from the master key")

	importCmd := &cobra.Command{
		Use:   "import <keys.yaml>",
		Short: "Import a key file into Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := dbURL(cmd)
			if err != nil {
				printError(err.Error())
				return nil
			}
			master := masterKey(cmd)
			ctx := context.Background()

			records, err := (&keys.FileSource{Path: args[0], Master: master}).Load(ctx)
			if err != nil {
				printError(err.Error())
				return nil
			}
			var kek []byte
			if len(master) > 0 {
				if kek, err = crypto.DeriveKEK(master); err != nil {
					printError(err.Error())
					return nil
				}
			}
			store, err := storage.NewPostgresBackend(ctx, dsn, kek)
			if err != nil {
				printError(err.Error())
				return nil
			}
			defer store.Close()

			imported, skipped := 0, 0
			for _, rec := range records {
				if err := keys.Validate(rec); err != nil {
					printError(err.Error())
					return nil
				}
				err := store.PutAPIKey(ctx, rec)
				switch {
				case errors.Is(err, storage.ErrAlreadyExists):
					skipped++
				case err != nil:
					printError(fmt.Sprintf("key %s: %v", rec.KeyID(), err))
					return nil
				default:
					imported++
				}
			}
			printSuccess(fmt.Sprintf("Imported %d keys (%d already present)", imported, skipped))
			return nil
		},
	}
	importCmd.Flags().String("db-url", "", "Postgres URL (or DATABASE_URL)")
	importCmd.Flags().String("master-key", "", "Master key for derivation and sealing (or KEYGATE_MASTER_KEY)")

	cmd.AddCommand(generateCmd, importCmd)
	return cmd
}

// --- db ---

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Database maintenance"}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := dbURL(cmd)
			if err != nil {
				printError(err.Error())
				return nil
			}
			dir, _ := cmd.Flags().GetString("dir")
			st, err := storage.Migrate(dsn, dir)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if !st.Changed() {
				printSuccess(fmt.Sprintf("Schema already at version %d", st.To))
				return nil
			}
			printSuccess(fmt.Sprintf("Migrated schema from version %d to %d", st.From, st.To))
			return nil
		},
	}
	migrateCmd.Flags().String("db-url", "", "Postgres URL (or DATABASE_URL)")
	migrateCmd.Flags().String("dir", "migrations", "Migrations directory")

	cmd.AddCommand(migrateCmd)
	return cmd
}

// --- sign ---

func readBody(cmd *cobra.Command) ([]byte, error) {
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("data-file")
	switch {
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	default:
		return []byte(data), nil
	}
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print X-Timestamp and X-Signature headers for a body",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd)
			if err != nil {
				printError(err.Error())
				return nil
			}
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = cfg.resolved().Secret
			}
			if secret == "" {
				printError("--secret or KEYGATE_SECRET is required")
				return nil
			}
			ts, _ := cmd.Flags().GetInt64("timestamp")
			if ts == 0 {
				ts = time.Now().Unix()
			}
			tsHeader := strconv.FormatInt(ts, 10)
			fmt.Printf("X-Timestamp: %s\n", tsHeader)
			fmt.Printf("X-Signature: %s\n", signature.Sign(secret, tsHeader, body))
			return nil
		},
	}
	cmd.Flags().String("secret", "", "Signing secret")
	cmd.Flags().Int64("timestamp", 0, "Unix timestamp (default now)")
	cmd.Flags().String("data", "", "Request body")
	cmd.Flags().String("data-file", "", "Read the body from a file, - for stdin")
	return cmd
}

// --- call ---

func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <method> <path>",
		Short: "Send a request with the configured API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd)
			if err != nil {
				printError(err.Error())
				return nil
			}
			sign, _ := cmd.Flags().GetBool("sign")
			client, err := newClient(cfg.resolved())
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := client.do(strings.ToUpper(args[0]), args[1], body, sign)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().Bool("sign", false, "Sign the request with the configured secret")
	cmd.Flags().String("data", "", "Request body")
	cmd.Flags().String("data-file", "", "Read the body from a file, - for stdin")
	return cmd
}

// --- admin ---

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server stats (requires an admin key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg.resolved())
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := client.get("/v1/admin/stats")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit-log",
		Short: "Query the audit log (requires an admin key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, name := range []string{"endpoint", "status", "since", "limit", "offset"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					q.Set(name, v)
				}
			}
			path := "/v1/admin/audit-log"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			client, err := newClient(cfg.resolved())
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("endpoint", "", "Endpoint prefix")
	cmd.Flags().String("status", "", "Status code")
	cmd.Flags().String("since", "", "Unix timestamp")
	cmd.Flags().String("limit", "", "Maximum entries")
	cmd.Flags().String("offset", "", "Entries to skip")
	return cmd
}
