package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repairline/internal/app"
	"repairline/internal/config"
	"repairline/internal/db"
	"repairline/internal/engine/auth"
	"repairline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "repairline CLI",
	Long: `repairline tracks repair requests between tenants, landlords and contractors.
- Ledger: the append-only record of every request and work order; it is the source of truth.
- Projection: a local SQLite copy the API reads from, kept in step by reconciliation loops.
- Repair request: opened by a tenant on a configured property; moves PENDING -> IN_PROGRESS -> COMPLETED -> ACCEPTED/REFUSED.
- Work order: drafted by the landlord for a contractor, then signed by either party.
- Content: descriptions and work details live off-ledger; the ledger keeps their hashes and an audit of every overwrite.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDotEnv(viper.GetString("workspace"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REPAIRLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadDotEnv reads <workspace>/.env into the process environment. Variables
// already set win, so the shell can still override the file.
func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("identity", "", "identity acting on requests (REPAIRLINE_IDENTITY)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("identity", rootCmd.PersistentFlags().Lookup("identity"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(propertyCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(workOrderCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(devCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create repairline.yml, the state directory and a JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(db.StateDir(workspace), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			envPath := filepath.Join(workspace, ".env")
			env, err := godotenv.Read(envPath)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if env == nil {
				env = map[string]string{}
			}
			if env["REPAIRLINE_JWT_SECRET"] == "" {
				env["REPAIRLINE_JWT_SECRET"] = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				if err := godotenv.Write(env, envPath); err != nil {
					return err
				}
				fmt.Printf("Set REPAIRLINE_JWT_SECRET in %s\n", envPath)
			}
			a, err := app.Open(cmd.Context(), app.Options{Workspace: workspace})
			if err != nil {
				return err
			}
			return a.Close()
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	return cfgCmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, reconciliation loops and event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("jwt-secret"))
			if secret == "" {
				return fmt.Errorf("REPAIRLINE_JWT_SECRET is required for bearer auth (rl init writes one to .env)")
			}
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx); err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:     a.Engine,
				Reconciler: a.Reconciler,
				BasePath:   basePath,
				Auth: server.AuthConfig{
					JWTSecret:                 secret,
					AllowLegacyIdentityHeader: legacyHeader,
					DevLogin:                  devLogin,
					Logger:                    log.New(os.Stderr, "server: ", log.LstdFlags),
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving repairline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (local testing only)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-identity-header", false, "trust X-Identity without credentials (local testing only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (REPAIRLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func devCmd() *cobra.Command {
	dev := &cobra.Command{Use: "dev", Short: "Local development helpers"}
	var forIdentity string
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := auth.Canonical(forIdentity)
			if identity == "" {
				identity = auth.Canonical(viper.GetString("identity"))
			}
			if identity == "" {
				return fmt.Errorf("--for or --identity is required")
			}
			tok, err := server.SignDevToken(viper.GetString("jwt-secret"), identity, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringVar(&forIdentity, "for", "", "identity to put in the token subject")
	dev.AddCommand(token)
	return dev
}

// withApp opens the workspace without starting background work.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func requireIdentity() (string, error) {
	identity := auth.Canonical(viper.GetString("identity"))
	if identity == "" {
		return "", fmt.Errorf("--identity (or REPAIRLINE_IDENTITY) is required")
	}
	return identity, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrPretty(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}
