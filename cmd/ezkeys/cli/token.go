package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ezkeys/ezkeys/internal/identity"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with identity tokens",
	}

	cmd.AddCommand(newTokenIssueCmd())

	return cmd
}

// ---------- token issue ----------

func newTokenIssueCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an identity token signed with the shared secret",
		Long: `Mint an HS256 identity token for local development and testing. Only available
when identity.mode is "hmac"; tokens from an external IdP cannot be minted here.`,
		Example: `  ezkeys token issue --subject user-123
  curl -H "Authorization: Bearer $(ezkeys token issue --subject user-123)" localhost:8080/listApiKeys`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(cmd, subject, ttl)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Principal id to issue the token for (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("subject")

	return cmd
}

func runTokenIssue(cmd *cobra.Command, subject string, ttl time.Duration) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if settings.Identity.Mode != "hmac" {
		return fmt.Errorf("token issue requires identity.mode=hmac (current: %s)", settings.Identity.Mode)
	}
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	tok, err := identity.NewHMACTokenVerifier(settings.Identity.HMACSecret, settings.Identity.Issuer).Issue(subject, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
