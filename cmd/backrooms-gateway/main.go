// ABOUTME: Entry point for the backrooms-gateway conversation server
// ABOUTME: Runs autonomous AI personality conversations and serves them to viewers

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/backrooms-gateway/internal/config"
	"github.com/2389/backrooms-gateway/internal/engine"
	"github.com/2389/backrooms-gateway/internal/llm"
	"github.com/2389/backrooms-gateway/internal/personality"
	"github.com/2389/backrooms-gateway/internal/ratelimit"
	"github.com/2389/backrooms-gateway/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                _
| |__   __ _  ___| | ___ __ ___   ___  _ __ ___  ___
| '_ \ / _' |/ __| |/ / '__/ _ \ / _ \| '_ ' _ \/ __|
| |_) | (_| | (__|   <| | | (_) | (_) | | | | | \__ \
|_.__/ \__,_|\___|_|\_\_|  \___/ \___/|_| |_| |_|___/
                                         gateway
`

// getConfigPath returns the path to the gateway config file.
// Priority: BACKROOMS_CONFIG env var > XDG_CONFIG_HOME/backrooms/gateway.yaml > ~/.config/backrooms/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BACKROOMS_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "backrooms", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: backrooms-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the conversation server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file when one exists, falling back to defaults
// plus environment variables so the server can run with nothing but
// OPENAI_API_KEY set.
func loadConfig(configPath string) (*config.Config, bool, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), false, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, fromFile, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	if fromFile {
		fmt.Printf("Config:        %s\n", configPath)
	} else {
		fmt.Printf("Config:        defaults (no file at %s)\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:          %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Personalities.Path != "" {
		fmt.Printf("Personalities: %s\n", cfg.Personalities.Path)
	} else {
		fmt.Printf("Personalities: embedded catalog\n")
	}
	green.Print("    ▶ ")
	fmt.Printf("Daily limit:   %d calls\n", cfg.Limits.DailyAPILimit)
	fmt.Println()

	logger.Info("starting backrooms-gateway",
		"http_addr", cfg.Server.HTTPAddr,
		"daily_api_limit", cfg.Limits.DailyAPILimit,
		"turn_limit", cfg.Limits.TurnLimit,
	)

	registry, err := personality.Load(cfg.Personalities.Path)
	if err != nil {
		return fmt.Errorf("loading personalities: %w", err)
	}

	client, err := llm.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	if err != nil {
		return fmt.Errorf("creating provider client: %w", err)
	}

	limiter := ratelimit.New(cfg.Limits.DailyAPILimit, logger)
	events := engine.NewBroadcaster(logger)
	defer events.Close()

	eng := engine.New(registry, client, limiter, events, logger, engine.Options{
		TurnLimit:    cfg.Limits.TurnLimit,
		MinTurnDelay: cfg.Limits.MinTurnDelay,
		MaxTurnDelay: cfg.Limits.MaxTurnDelay,
	})
	defer eng.Close()

	srv := server.New(cfg.Server.HTTPAddr, eng, registry, limiter, events, logger)
	return srv.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/api/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("backrooms-gateway configuration setup")
	fmt.Println("=====================================")
	fmt.Println()

	// Output filename
	defaultConfigPath := getConfigPath()
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Provider
	fmt.Println("\n--- OpenAI Configuration ---")
	apiKey := prompt(reader, "API key (leave as ${OPENAI_API_KEY} to read from env)", "${OPENAI_API_KEY}")
	baseURL := prompt(reader, "Base URL override (empty for api.openai.com)", "")

	// Limits
	fmt.Println("\n--- Limits Configuration ---")
	dailyLimit := prompt(reader, "Daily API call limit", "25")
	turnLimit := prompt(reader, "Turns per conversation", "100")
	minDelay := prompt(reader, "Minimum turn delay", "2s")
	maxDelay := prompt(reader, "Maximum turn delay", "5s")

	// Personalities
	fmt.Println("\n--- Personalities Configuration ---")
	catalogPath := prompt(reader, "Catalog path (empty for embedded)", "")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# backrooms-gateway configuration\n")
	cfg.WriteString("# Generated by backrooms-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("openai:\n")
	cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", apiKey))
	if baseURL != "" {
		cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", baseURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("limits:\n")
	cfg.WriteString(fmt.Sprintf("  daily_api_limit: %s\n", dailyLimit))
	cfg.WriteString(fmt.Sprintf("  turn_limit: %s\n", turnLimit))
	cfg.WriteString(fmt.Sprintf("  min_turn_delay: \"%s\"\n", minDelay))
	cfg.WriteString(fmt.Sprintf("  max_turn_delay: \"%s\"\n", maxDelay))
	cfg.WriteString("\n")

	if catalogPath != "" {
		cfg.WriteString("personalities:\n")
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", catalogPath))
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  backrooms-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		return defaultVal
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
