package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/awilliams-2020/theqrcode-sub002/pkg/api/client"
	"github.com/awilliams-2020/theqrcode-sub002/pkg/config"
	"github.com/awilliams-2020/theqrcode-sub002/pkg/crypto"
	jwtpkg "github.com/awilliams-2020/theqrcode-sub002/pkg/jwt"
	"github.com/awilliams-2020/theqrcode-sub002/pkg/security"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "token":
		err = commandToken(args)
	case "report":
		err = commandReport(args)
	case "alerts":
		err = commandAlerts(args)
	case "errors":
		err = commandErrors(args)
	case "check":
		err = commandCheck(args)
	case "keys":
		err = commandKeys(args)
	case "usage":
		err = commandUsage(args)
	case "security-event":
		err = commandSecurityEvent(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commandLogin stores an admin token for later commands.
func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Admin token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Admin token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := client.Alerts(ctx, secret, false); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

// commandToken mints an admin token from ADMIN_JWT_SECRET.
func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	userID := fs.String("user", "", "User ID to embed in the token")
	ttl := fs.Duration("ttl", 0, "Token lifetime (default ADMIN_TOKEN_TTL_HOURS)")
	fs.Parse(args)

	if strings.TrimSpace(*userID) == "" {
		return errors.New("--user is required")
	}
	cfg := config.LoadAPIConfig()
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.AdminTokenTTL
	}
	token, err := jwtpkg.GenerateToken(*userID, jwtpkg.RoleAdmin, cfg.AdminJWTSecret, lifetime)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func commandReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	window := fs.Duration("window", 0, "Only consider the trailing window (e.g. 1h)")
	fs.Parse(args)

	client, token, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	report, err := client.Report(ctx, token, apiclient.TimeWindow{Window: *window})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "Uptime\t%.2f%%\n", report.Uptime)
	fmt.Fprintf(w, "Runtime\t%s\n", report.Runtime.Formatted)
	fmt.Fprintf(w, "Requests\t%d\n", report.Requests)
	fmt.Fprintf(w, "Error rate\t%.1f%%\n", report.ErrorRatePercent)
	fmt.Fprintf(w, "Avg response\t%.2fms\n", report.AvgResponseMS)
	fmt.Fprintf(w, "Heap\t%.3fGB\n", report.MemoryUsageGB)
	fmt.Fprintf(w, "Failed logins\t%d\n", report.Security.FailedLogins)
	fmt.Fprintf(w, "Rate limit hits\t%d\n", report.Security.RateLimitViolations)
	fmt.Fprintf(w, "Active alerts\t%d\n", len(report.ActiveAlerts))
	return w.Flush()
}

func commandAlerts(args []string) error {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	all := fs.Bool("all", false, "Include resolved alerts")
	fs.Parse(args)

	client, token, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	alerts, err := client.Alerts(ctx, token, *all)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("no alerts")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "CONDITION\tTYPE\tSTATE\tSINCE\tMESSAGE")
	for _, a := range alerts {
		state := "active"
		if a.Resolved {
			state = "resolved"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Condition, a.Type, state, a.Timestamp.Local().Format(time.RFC3339), a.Message)
	}
	return w.Flush()
}

func commandErrors(args []string) error {
	fs := flag.NewFlagSet("errors", flag.ExitOnError)
	severity := fs.String("severity", "", "Filter by severity (low|medium|high|critical)")
	window := fs.Duration("window", 0, "Only consider the trailing window (e.g. 1h)")
	fs.Parse(args)

	client, token, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	logs, err := client.ErrorLogs(ctx, token, *severity, apiclient.TimeWindow{Window: *window})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEVERITY\tENDPOINT\tMESSAGE")
	for _, entry := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\n", entry.Timestamp.Local().Format(time.RFC3339), entry.Severity, entry.Method, entry.Endpoint, entry.Message)
	}
	return w.Flush()
}

func commandCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	results, err := client.Check(ctx, token)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "CONDITION\tVALUE\tTHRESHOLD\tTRANSITION")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%g\t%g\t%s\n", r.Condition, r.Value, r.Threshold, r.Transition)
	}
	return w.Flush()
}

func commandKeys(args []string) error {
	if len(args) == 0 {
		return errors.New("keys subcommand required (create|generate)")
	}
	switch args[0] {
	case "create":
		return keysCreate(args[1:])
	case "generate":
		return keysGenerate(args[1:])
	default:
		return fmt.Errorf("unknown keys subcommand: %s", args[0])
	}
}

func keysCreate(args []string) error {
	fs := flag.NewFlagSet("keys create", flag.ExitOnError)
	userID := fs.String("user", "", "Owning user ID")
	name := fs.String("name", "", "Key name")
	perms := fs.String("permissions", "", "Comma separated permissions")
	quota := fs.Int("rate-limit", 0, "Requests per hour (default server setting)")
	env := fs.String("env", "", "Environment label (default production)")
	expires := fs.Duration("expires-in", 0, "Expire the key after this duration")
	fs.Parse(args)

	input := apiclient.CreateKeyInput{
		UserID:      strings.TrimSpace(*userID),
		Name:        strings.TrimSpace(*name),
		RateLimit:   *quota,
		Environment: strings.TrimSpace(*env),
	}
	if input.UserID == "" || input.Name == "" {
		return errors.New("--user and --name are required")
	}
	for _, p := range strings.Split(*perms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			input.Permissions = append(input.Permissions, p)
		}
	}
	if *expires > 0 {
		at := time.Now().Add(*expires).UTC()
		input.ExpiresAt = &at
	}

	client, token, err := adminClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	key, err := client.CreateKey(ctx, token, input)
	if err != nil {
		return err
	}
	fmt.Printf("created key %s (%s, %d req/h)\n", key.ID, key.Environment, key.RateLimit)
	fmt.Printf("API key: %s\n", key.Key)
	fmt.Println("store it now; it cannot be shown again")
	return nil
}

// keysGenerate prints a raw key with the digest the server would store for it.
func keysGenerate(args []string) error {
	fs := flag.NewFlagSet("keys generate", flag.ExitOnError)
	fs.Parse(args)

	raw, err := crypto.GenerateAPIKey()
	if err != nil {
		return err
	}
	cfg := config.LoadAPIConfig()
	fmt.Printf("key:  %s\n", raw)
	fmt.Printf("hash: %s\n", crypto.HashAPIKey(raw, cfg.APIKeySalt))
	return nil
}

func commandUsage(args []string) error {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	key := fs.String("key", os.Getenv("QR_API_KEY"), "API key (default $QR_API_KEY)")
	rng := fs.String("range", "24h", "Stats range (1h|24h|7d|30d)")
	fs.Parse(args)

	if !crypto.IsWellFormedAPIKey(strings.TrimSpace(*key)) {
		return errors.New("--key must be a qr_ API key")
	}
	cfg, _ := loadConfig()
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	stats, err := client.Usage(ctx, *key, *rng)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "Range\t%s\n", stats.Range)
	fmt.Fprintf(w, "Requests\t%d (%d ok, %d failed)\n", stats.TotalRequests, stats.SuccessfulRequests, stats.FailedRequests)
	fmt.Fprintf(w, "Avg response\t%.2fms\n", stats.AverageResponseMS)
	for _, e := range stats.TopEndpoints {
		fmt.Fprintf(w, "  %s\t%d\n", e.Endpoint, e.Count)
	}
	return w.Flush()
}

// commandSecurityEvent reports an auth-flow event with INTERNAL_API_TOKEN.
func commandSecurityEvent(args []string) error {
	fs := flag.NewFlagSet("security-event", flag.ExitOnError)
	kind := fs.String("type", "failed_login", "Event type (failed_login|rate_limit|suspicious_activity|api_abuse)")
	ip := fs.String("ip", "", "Client IP")
	userID := fs.String("user", "", "User ID")
	endpoint := fs.String("endpoint", "", "Endpoint that raised the event")
	severity := fs.String("severity", "medium", "Severity (low|medium|high|critical)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	reporter, err := security.NewReporter(cfg.APIBaseURL, config.LoadAPIConfig().InternalToken, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := reporter.Report(ctx, security.Event{
		Type:     *kind,
		IP:       *ip,
		UserID:   *userID,
		Endpoint: *endpoint,
		Severity: *severity,
	}); err != nil {
		return err
	}
	fmt.Println("event recorded")
	return nil
}

func adminClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	if cfg.AccessToken == "" {
		return nil, "", errors.New("not logged in; run qrmon login")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, cfg.AccessToken, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "qrmon", "config.json"), nil
}

func printUsage() {
	fmt.Printf("qrmon CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	qrmon login [--token <admin-jwt>] [--api http://localhost:4000]
	qrmon token --user <user-id> [--ttl 12h]
	qrmon report [--window 1h]
	qrmon alerts [--all]
	qrmon errors [--severity high] [--window 1h]
	qrmon check
	qrmon keys create --user <user-id> --name <name> [--permissions a,b] [--rate-limit N] [--env production] [--expires-in 720h]
	qrmon keys generate
	qrmon usage [--key qr_...] [--range 24h]
	qrmon security-event --type failed_login [--ip addr] [--user id] [--endpoint /auth/login]
	qrmon version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
