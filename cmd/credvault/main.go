package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/treumalgotech/credvault/internal/app"
	"github.com/treumalgotech/credvault/internal/callback"
	"github.com/treumalgotech/credvault/internal/config"
	"github.com/treumalgotech/credvault/internal/credential"
	"github.com/treumalgotech/credvault/internal/envimport"
	"github.com/treumalgotech/credvault/internal/logger"
)

func main() {
	log := logger.New()

	var (
		cfgPath string
		a       *app.App
	)

	root := &cobra.Command{
		Use:   "credvault",
		Short: "Credential vault and OAuth token lifecycle manager for the posting toolchain",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = config.DefaultPath()
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			a, err = app.New(cfg, log)
			return err
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("CREDVAULT_CONFIG"), "path to profiles.yaml (env CREDVAULT_CONFIG)")

	parseProvider := func(s string) (credential.Provider, error) {
		prov, err := credential.ParseProvider(s)
		if err != nil {
			return "", fmt.Errorf("%w (available: %v)", err, a.Registry.Available())
		}
		return prov, nil
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show every configured profile and its credential state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			for _, profile := range a.Config.Profiles() {
				key := profile.Key()
				bundle, err := a.Manager.Inspect(ctx, key.Provider, key.Name)
				switch {
				case errors.Is(err, credential.ErrNotFound):
					fmt.Printf("%-28s absent\n", key)
					continue
				case err != nil:
					return err
				}
				fmt.Printf("%-28s %s\n", key, describeBundle(bundle))
			}
			return nil
		},
	}

	loginCmd := &cobra.Command{
		Use:   "login <provider> <profile>",
		Short: "Run the interactive browser authorization for a profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prov, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			profile, ok := a.Config.Profile(prov, args[1])
			if !ok {
				return fmt.Errorf("no configured profile %s/%s", prov, args[1])
			}

			authURL, fs, err := a.Runner.BuildAuthorizationURL(profile)
			if err != nil {
				return err
			}

			fmt.Println("Open this URL in your browser and approve access:")
			fmt.Println()
			fmt.Println("  " + authURL)
			fmt.Println()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			res, err := callback.Wait(ctx, profile.RedirectURI, log)
			if err != nil {
				return err
			}

			bundle, err := a.Manager.CompleteAuthorization(ctx, prov, args[1], fs, res.Code, res.State)
			if err != nil {
				return err
			}
			log.Info().
				Str("profile", profile.Key().String()).
				Str("access_token", credential.MaskToken(bundle.AccessToken)).
				Msg("✅ credential stored")
			return nil
		},
	}

	var requiredCapability string
	tokenCmd := &cobra.Command{
		Use:   "token <provider> <profile>",
		Short: "Print a usable access token for a profile (refreshing if needed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prov, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			bundle, err := a.Manager.Acquire(cmd.Context(), prov, args[1], requiredCapability)
			if err != nil {
				if ir, ok := credential.AsInteractionRequired(err); ok {
					if ir.AuthorizationURL == "" {
						return fmt.Errorf("no credential for %s; paste the token with: credvault set-token %s %s <token>", ir.Key, args[0], args[1])
					}
					return fmt.Errorf("authorization required for %s; run: credvault login %s %s", ir.Key, args[0], args[1])
				}
				return err
			}
			// The token itself goes to stdout so scripts can capture it;
			// everything else stays on stderr via the logger.
			fmt.Println(bundle.AccessToken)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&requiredCapability, "capability", "", "require this capability (e.g. can_post_as_org:108595796)")

	setTokenCmd := &cobra.Command{
		Use:   "set-token <provider> <profile> <token>",
		Short: "Store a long-lived static token (e.g. a Telegram bot token)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			prov, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			result, err := a.Manager.StoreStatic(cmd.Context(), prov, args[1], args[2])
			if err != nil {
				return err
			}
			if !result.IsValid {
				log.Warn().Str("reason", result.Reason).Msg("⚠️ token stored but failed its probe")
				return nil
			}
			log.Info().Strs("capabilities", result.Capabilities).Msg("✅ token stored and validated")
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate <provider> <profile>",
		Short: "Probe a stored credential and list its capabilities",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prov, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			profile, ok := a.Config.Profile(prov, args[1])
			if !ok {
				return fmt.Errorf("no configured profile %s/%s", prov, args[1])
			}
			bundle, err := a.Manager.Inspect(cmd.Context(), prov, args[1])
			if err != nil {
				return err
			}
			result, err := a.Validator.Validate(cmd.Context(), profile, bundle)
			if err != nil {
				return err
			}
			if !result.IsValid {
				fmt.Printf("invalid: %s\n", result.Reason)
				return nil
			}
			fmt.Println("valid")
			for _, c := range result.Capabilities {
				fmt.Println("  " + c)
			}
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import-env [path]",
		Short: "Migrate credentials from a legacy .env file into the vault",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envPath := ".env"
			if len(args) == 1 {
				envPath = args[0]
			}
			imported, err := envimport.Run(cmd.Context(), envPath, a.Store, log)
			if err != nil {
				return err
			}
			if len(imported) == 0 {
				fmt.Println("no recognized credentials found")
				return nil
			}
			for _, imp := range imported {
				fmt.Printf("imported %s (refresh token: %v)\n", imp.Key, imp.HasRefresh)
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <provider> <profile>",
		Short: "Remove a stored credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prov, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			return a.Manager.Delete(cmd.Context(), prov, args[1])
		},
	}

	root.AddCommand(statusCmd, loginCmd, tokenCmd, setTokenCmd, validateCmd, importCmd, deleteCmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func describeBundle(b *credential.TokenBundle) string {
	state := "valid"
	switch {
	case b.Status == credential.StatusRevoked:
		state = "revoked"
	case b.Expires() && time.Now().UnixMilli() >= b.ExpiresAt:
		state = "expired"
	case b.ExpiresWithin(5 * time.Minute):
		state = "expiring"
	}

	expiry := "never expires"
	if b.Expires() {
		expiry = "expires " + time.UnixMilli(b.ExpiresAt).Format(time.RFC3339)
	}
	validated := "never validated"
	if b.LastValidatedAt > 0 {
		validated = "validated " + time.UnixMilli(b.LastValidatedAt).Format(time.RFC3339)
	}
	return fmt.Sprintf("%-9s %s, %s", state, expiry, validated)
}
