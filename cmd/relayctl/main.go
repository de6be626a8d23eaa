// relayctl administers tenants of a Relay deployment: it issues API tokens,
// sets plans, toggles tools and configures per-tenant engine overrides.
//
// Usage:
//
//	relayctl token  <tenant-id> [--ttl 720h]
//	relayctl plan   <tenant-id> <free|pro|enterprise> [--feature name ...]
//	relayctl tool   <tenant-id> <tool-slug> [--disable] [--rate-limit n]
//	relayctl engine <tenant-id> --url <base-url> --secret <secret> [--api-key k]
//
// Configuration is read from the same RELAY_* environment as the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/relay/internal/auth"
	"github.com/ashita-ai/relay/internal/billing"
	"github.com/ashita-ai/relay/internal/config"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/storage"
)

const usage = `usage:
  relayctl token  <tenant-id> [--ttl 720h]
  relayctl plan   <tenant-id> <free|pro|enterprise> [--feature name ...]
  relayctl tool   <tenant-id> <tool-slug> [--disable] [--rate-limit n]
  relayctl engine <tenant-id> --url <base-url> --secret <secret> [--api-key k]`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	_ = godotenv.Load()

	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	tenantID, err := uuid.Parse(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid tenant id %q: %v\n", args[1], err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sub := strings.ToLower(strings.TrimSpace(args[0]))
	rest := args[2:]
	switch sub {
	case "token":
		return issueToken(cfg, tenantID, rest)
	case "plan", "tool", "engine":
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "storage: %v\n", err)
			return 1
		}
		defer db.Close()
		switch sub {
		case "plan":
			return setPlan(ctx, db, tenantID, rest)
		case "tool":
			return setTool(ctx, db, tenantID, rest)
		default:
			return setEngine(ctx, db, cfg, tenantID, rest)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", sub, usage)
		return 2
	}
}

func issueToken(cfg config.Config, tenantID uuid.UUID, args []string) int {
	fs := flag.NewFlagSet("relayctl token", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	ttl := fs.Duration("ttl", cfg.TokenExpiration, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	tm, err := auth.NewTokenManager(cfg.TokenSecret, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth: %v\n", err)
		return 1
	}
	token, exp, err := tm.IssueAPIToken(tenantID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.UTC().Format(time.RFC3339))
	fmt.Println(token)
	return 0
}

// featureFlags collects repeated --feature values.
type featureFlags []string

func (f *featureFlags) String() string     { return strings.Join(*f, ",") }
func (f *featureFlags) Set(v string) error { *f = append(*f, v); return nil }

func setPlan(ctx context.Context, db *storage.DB, tenantID uuid.UUID, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	code := args[0]
	if _, ok := billing.GetPlan(code); !ok {
		fmt.Fprintf(os.Stderr, "unknown plan %q\n", code)
		return 2
	}
	fs := flag.NewFlagSet("relayctl plan", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var features featureFlags
	fs.Var(&features, "feature", "feature flag to enable (repeatable)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	p := model.TenantPlan{TenantID: tenantID, PlanCode: code, Features: map[string]bool{}}
	for _, f := range features {
		p.Features[f] = true
	}
	if err := db.UpsertTenantPlan(ctx, p); err != nil {
		fmt.Fprintf(os.Stderr, "set plan: %v\n", err)
		return 1
	}
	fmt.Printf("tenant %s on plan %s\n", tenantID, code)
	return 0
}

func setTool(ctx context.Context, db *storage.DB, tenantID uuid.UUID, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	slug := args[0]
	fs := flag.NewFlagSet("relayctl tool", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	disable := fs.Bool("disable", false, "disable the tool for this tenant")
	rateLimit := fs.Int("rate-limit", -1, "runs per minute for this tenant (-1 keeps the plan default)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	c := model.TenantToolConfig{TenantID: tenantID, ToolSlug: slug, Enabled: !*disable}
	if *rateLimit >= 0 {
		c.RateLimitPerMinute = rateLimit
	}
	if err := db.UpsertTenantToolConfig(ctx, c); err != nil {
		fmt.Fprintf(os.Stderr, "set tool: %v\n", err)
		return 1
	}
	fmt.Printf("tool %s for tenant %s: enabled=%t\n", slug, tenantID, c.Enabled)
	return 0
}

func setEngine(ctx context.Context, db *storage.DB, cfg config.Config, tenantID uuid.UUID, args []string) int {
	fs := flag.NewFlagSet("relayctl engine", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	baseURL := fs.String("url", "", "engine base URL")
	secret := fs.String("secret", "", "outbound signing secret for this engine")
	apiKey := fs.String("api-key", "", "engine API key")
	retries := fs.Int("max-retries", -1, "retry count (-1 keeps the default)")
	timeout := fs.Duration("timeout", 0, "per-attempt timeout (0 keeps the default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *baseURL == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "--url and --secret are required")
		return 2
	}
	if cfg.MasterKey == "" {
		fmt.Fprintln(os.Stderr, "RELAY_MASTER_KEY must be set to store engine overrides")
		return 1
	}
	sealer, err := auth.NewSealer(cfg.MasterKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth: %v\n", err)
		return 1
	}

	o := model.EngineOverride{TenantID: tenantID, BaseURL: strings.TrimRight(*baseURL, "/")}
	if o.SecretSealed, err = sealer.SealString(*secret); err != nil {
		fmt.Fprintf(os.Stderr, "seal secret: %v\n", err)
		return 1
	}
	if *apiKey != "" {
		if o.APIKeySealed, err = sealer.SealString(*apiKey); err != nil {
			fmt.Fprintf(os.Stderr, "seal api key: %v\n", err)
			return 1
		}
	}
	if *retries >= 0 {
		o.MaxRetries = retries
	}
	if *timeout > 0 {
		secs := int(timeout.Seconds())
		o.TimeoutSeconds = &secs
	}
	if err := db.UpsertEngineOverride(ctx, o); err != nil {
		fmt.Fprintf(os.Stderr, "set engine: %v\n", err)
		return 1
	}
	fmt.Printf("engine override for tenant %s -> %s\n", tenantID, o.BaseURL)
	return 0
}
