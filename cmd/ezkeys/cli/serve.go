package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ezkeys/ezkeys/internal/config"
	"github.com/ezkeys/ezkeys/internal/handler"
	"github.com/ezkeys/ezkeys/internal/keygen"
	"github.com/ezkeys/ezkeys/internal/metrics"
	"github.com/ezkeys/ezkeys/internal/server"
	"github.com/ezkeys/ezkeys/internal/service"
)

const banner = `
  ___ ____ _  _____ _   _ ___
 | __|_  /| |/ / __| | | / __|
 | _| / / | ' <| _|| |_| \__ \
 |___/___||_|\_\___|\__, |___/
                    |___/
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ezkeys API server",
		Long:  "Start the HTTP server that issues, lists, revokes and verifies API keys.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dev {
				viper.Set("logging.level", "debug")
				viper.Set("logging.format", "console")
			}
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	settings, err := loadSettings()
	if err != nil {
		return err
	}

	fmt.Print(banner)
	fmt.Println()

	// Set up logger
	logger, err := config.NewLogger(settings.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// 1. Key database
	st, err := openStore(ctx, settings)
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	defer st.Close()
	logger.Info("key store initialized", zap.String("driver", st.Driver()))

	// 2. Key format and hashing
	gen, err := keygen.NewGenerator(settings.RuntimeEnv)
	if err != nil {
		return fmt.Errorf("init key generator: %w", err)
	}
	h, err := newHasher(settings, func() string { return viper.GetString("apikey.pepper") })
	if err != nil {
		return fmt.Errorf("init hasher: %w", err)
	}
	if viper.GetString("apikey.pepper") == "" {
		logger.Error("apikey.pepper is not set; key creation and verification will fail until EZKEYS_APIKEY_PEPPER is provided")
	}

	// 3. Identity verification and session revocation
	ids, err := newIdentity(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer ids.Close()

	// 4. Optional demo key encryption
	enc, err := newEncrypter(settings, logger)
	if err != nil {
		return err
	}
	if enc != nil {
		logger.Info("demo key material enabled", zap.String("kms_key", settings.KMS.KeyName))
	}

	// 5. Audit and metrics
	sink := newAuditSink(settings, logger)
	defer sink.Close()
	m := metrics.New()

	// 6. Key lifecycle service
	svc, err := service.New(service.Options{
		Generator:   gen,
		Hasher:      h,
		Store:       st,
		Resolver:    ids.resolver,
		Encrypter:   enc,
		DemoEnabled: settings.Demo.Enabled,
		Audit:       sink,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// 7. Build and start HTTP server
	checks := map[string]server.Checker{"store": st.Ping}
	if ids.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return ids.redis.Ping(ctx).Err() }
	}

	srvCfg := server.Config{
		Host:            settings.Server.Host,
		Port:            settings.Server.Port,
		ShutdownTimeout: settings.Server.ShutdownTimeout,
		CORSOrigins:     settings.Server.CORSOrigins,
		RateLimit:       settings.Server.RateLimit,
		VerifyRateLimit: settings.Server.VerifyRateLimit,
		BaseURL:         settings.Server.BaseURL,
		Version:         versionString(),
		Session: handler.SessionConfig{
			CookieName: settings.Identity.CookieName,
			TTL:        settings.Identity.SessionTTL,
			Secure:     settings.Identity.CookieSecure,
		},
	}
	srv := server.New(srvCfg, server.Deps{
		Keys:     svc,
		Sessions: ids.provider,
		Resolver: ids.resolver,
		Audit:    sink,
		Metrics:  m,
		Checks:   checks,
		Logger:   logger,
	})

	displayHost := settings.Server.Host
	if displayHost == "0.0.0.0" || displayHost == "" {
		displayHost = "localhost"
	}
	fmt.Printf("→ ezkeys %s (%s)\n", versionString(), settings.RuntimeEnv)
	fmt.Printf("→ Listening on http://%s:%d\n", displayHost, settings.Server.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", displayHost, settings.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", displayHost, settings.Server.Port)
	fmt.Printf("→ Metrics:    http://%s:%d/metrics\n", displayHost, settings.Server.Port)
	fmt.Println()

	return srv.ListenAndServe(ctx)
}
