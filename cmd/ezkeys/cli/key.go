package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ezkeys/ezkeys/internal/identity"
	"github.com/ezkeys/ezkeys/internal/keygen"
	"github.com/ezkeys/ezkeys/internal/model"
	"github.com/ezkeys/ezkeys/internal/service"
	"github.com/ezkeys/ezkeys/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Inspect and administer API keys",
		Long:    "Check key format offline, verify keys against the database, and list or revoke an owner's keys.",
	}

	cmd.AddCommand(newKeyCheckCmd())
	cmd.AddCommand(newKeyVerifyCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// keyArg returns the key from args, or prompts for it without echo.
func keyArg(args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(args[0]), nil
	}
	return readSecret("API key: ")
}

// ---------- key check ----------

func newKeyCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [key]",
		Short: "Validate a key's format and checksum without touching the database",
		Long:  "Parse an API key and verify its checksum offline. The key is prompted for when not given, so it stays out of shell history.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := keyArg(args)
			if err != nil {
				return err
			}
			return runKeyCheck(raw)
		},
	}

	return cmd
}

func runKeyCheck(raw string) error {
	parsed, err := keygen.Parse(raw)
	switch {
	case errors.Is(err, keygen.ErrChecksum):
		return fmt.Errorf("checksum mismatch: the key was probably mistyped")
	case err != nil:
		return fmt.Errorf("not an ezkeys API key: %w", err)
	}

	fmt.Println("Key format is valid:")
	fmt.Println()
	fmt.Printf("  Environment: %s\n", parsed.Env)
	fmt.Printf("  Prefix:      %s\n", parsed.Prefix)
	return nil
}

// ---------- key verify ----------

// offlineResolver refuses every caller; CLI verification never needs a
// principal.
type offlineResolver struct{}

func (offlineResolver) Resolve(context.Context, identity.Credentials) (string, error) {
	return "", identity.ErrUnauthenticated
}

func newKeyVerifyCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "verify [key]",
		Short: "Verify a key against the key database",
		Long:  "Authenticate an API key the way /verifyApiKey does. Requires the database and the pepper.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := keyArg(args)
			if err != nil {
				return err
			}
			return runKeyVerify(raw, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyVerify(raw string, jsonOutput bool) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	ctx := context.Background()

	st, err := openStore(ctx, settings)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	gen, err := keygen.NewGenerator(settings.RuntimeEnv)
	if err != nil {
		return err
	}
	h, err := newHasher(settings, func() string { return viper.GetString("apikey.pepper") })
	if err != nil {
		return err
	}
	svc, err := service.New(service.Options{
		Generator: gen,
		Hasher:    h,
		Store:     st,
		Resolver:  offlineResolver{},
		Logger:    zap.NewNop(),
	})
	if err != nil {
		return err
	}

	p, err := svc.Authenticate(ctx, raw)
	if err != nil {
		return fmt.Errorf("key rejected: %s", service.AsError(err).Message)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(model.VerifyResponse{KeyID: p.KeyID, OwnerID: p.OwnerID, Scopes: p.Scopes})
	}
	fmt.Println("Key is valid:")
	fmt.Println()
	fmt.Printf("  ID:     %s\n", p.KeyID)
	fmt.Printf("  Owner:  %s\n", p.OwnerID)
	if len(p.Scopes) > 0 {
		fmt.Printf("  Scopes: %s\n", strings.Join(p.Scopes, ", "))
	}
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List an owner's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(owner, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner (principal id) whose keys to list (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyList(owner string, jsonOutput bool) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	ctx := context.Background()

	st, err := openStore(ctx, settings)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	keys, err := st.ListAPIKeysByOwner(ctx, owner, model.MaxListResults)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	rows := make([]model.KeySummary, len(keys))
	for i := range keys {
		rows[i] = keys[i].Summary()
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Printf("No API keys for owner %q.\n", owner)
		return nil
	}

	fmt.Printf("%-36s %-14s %-24s %-20s %-8s\n", "ID", "PREFIX", "NAME", "CREATED", "ACTIVE")
	fmt.Printf("%-36s %-14s %-24s %-20s %-8s\n", "--", "------", "----", "-------", "------")
	for _, k := range rows {
		name := ""
		if k.Name != nil {
			name = *k.Name
		}
		active := "yes"
		if k.RevokedAt != nil {
			active = "no"
		}
		fmt.Printf("%-36s %-14s %-24s %-20s %-8s\n", k.ID, k.KeyPrefix, name, k.CreatedAt.Format("2006-01-02 15:04:05"), active)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key on behalf of its owner",
		Long:  "Tombstone an API key. The owner must match, exactly as for the /revokeApiKey endpoint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0], owner)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner (principal id) of the key (required)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyRevoke(id, owner string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	ctx := context.Background()

	st, err := openStore(ctx, settings)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	rec, err := st.RevokeAPIKey(ctx, id, owner)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("no API key with id %q", id)
	case errors.Is(err, store.ErrForbidden):
		return fmt.Errorf("API key %q does not belong to %q", id, owner)
	case err != nil:
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %s (%s) at %s\n", rec.ID, rec.KeyPrefix, rec.RevokedAt.Format("2006-01-02 15:04:05"))
	return nil
}
