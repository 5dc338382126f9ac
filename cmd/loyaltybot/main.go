package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/guestloop/loyaltybot/internal/flow"
	"github.com/guestloop/loyaltybot/internal/genai"
	"github.com/guestloop/loyaltybot/internal/lockfile"
	"github.com/guestloop/loyaltybot/internal/menu"
	"github.com/guestloop/loyaltybot/internal/messaging"
	"github.com/guestloop/loyaltybot/internal/store"
	"github.com/guestloop/loyaltybot/internal/twiliowhatsapp"
	"github.com/guestloop/loyaltybot/internal/util"
	"github.com/guestloop/loyaltybot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for loyalty bot state data
	DefaultStateDir = "/var/lib/loyaltybot"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the default application SQLite database filename
	DefaultAppDBFileName = "loyaltybot.db"
	// ChannelWhatsmeow selects the Whatsmeow transport
	ChannelWhatsmeow = "whatsmeow"
	// ChannelTwilio selects the Twilio fallback transport
	ChannelTwilio = "twilio"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping loyalty bot",
		"channel", *flags.channel,
		"app_dsn_set", *flags.appDBDSN != "",
		"whatsapp_dsn_set", *flags.whatsappDBDSN != "",
		"qa_enabled", *flags.openaiKey != "")
	if err := run(flags); err != nil {
		slog.Error("Loyalty bot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Loyalty bot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	WhatsAppDBDSN     string
	ApplicationDBDSN  string
	OpenAIKey         string
	Channel           string
	TwilioWebhookAddr string
	NumericCode       bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	whatsappDBDSN *string
	appDBDSN      *string
	openaiKey     *string
	channel       *string
	webhookAddr   *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("LOYALTYBOT_STATE_DIR"),
		WhatsAppDBDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN:  os.Getenv("DATABASE_DSN"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		Channel:           os.Getenv("CHANNEL"),
		TwilioWebhookAddr: os.Getenv("TWILIO_WEBHOOK_ADDR"),
		NumericCode:       util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
	}

	// Legacy variable support
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LOYALTYBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		slog.Debug("No WhatsApp database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDBDSN)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.Channel == "" {
		config.Channel = ChannelWhatsmeow
	}

	slog.Debug("environment variables loaded",
		"LOYALTYBOT_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"CHANNEL", config.Channel)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", config.NumericCode, "use numeric login code instead of QR code (overrides $WHATSAPP_NUMERIC_CODE)"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for loyalty bot data (overrides $LOYALTYBOT_STATE_DIR)"),
		whatsappDBDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the whatsmeow store (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      flag.String("db-dsn", config.ApplicationDBDSN, "database DSN for users and sessions (overrides $DATABASE_DSN)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the menu Q&A assistant (overrides $OPENAI_API_KEY)"),
		channel:       flag.String("channel", config.Channel, "messaging transport: whatsmeow or twilio (overrides $CHANNEL)"),
		webhookAddr:   flag.String("webhook-addr", config.TwilioWebhookAddr, "listen address for the Twilio inbound webhook (overrides $TWILIO_WEBHOOK_ADDR)"),
	}

	flag.Parse()

	// Moving the state directory moves the default database files with it.
	if *flags.stateDir != config.StateDir {
		if *flags.whatsappDBDSN == config.WhatsAppDBDSN {
			*flags.whatsappDBDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
		if *flags.appDBDSN == config.ApplicationDBDSN {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"whatsappDBDSN_set", *flags.whatsappDBDSN != "",
		"appDBDSN_set", *flags.appDBDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"channel", *flags.channel)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.whatsappDBDSN, *flags.appDBDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(store.SQLitePath(dsn))
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp client configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN != "" {
		if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.appDBDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// openStore creates the application store for the configured DSN
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.appDBDSN
	if dsn == "" {
		return store.NewInMemoryStore(), nil
	}
	storeOpts := buildStoreOptions(flags)
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}

// buildChannel creates the configured messaging transport
func buildChannel(flags Flags) (messaging.Channel, error) {
	switch *flags.channel {
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		var chOpts []twiliowhatsapp.ChannelOption
		if *flags.webhookAddr != "" {
			chOpts = append(chOpts, twiliowhatsapp.WithWebhookAddr(*flags.webhookAddr))
		}
		return twiliowhatsapp.NewChannel(client, chOpts...), nil
	default:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, err
		}
		return whatsapp.NewChannel(client), nil
	}
}

// run wires the modules together and blocks until shutdown
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}()

	var menuOpts []menu.Option
	if *flags.openaiKey != "" {
		qa, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		menuOpts = append(menuOpts, menu.WithQA(qa))
	}

	controller := flow.NewController(st, flow.NewSessionManager(st))
	menus := menu.New(st, menuOpts...)

	channel, err := buildChannel(flags)
	if err != nil {
		return err
	}
	if err := channel.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := channel.Stop(); err != nil {
			slog.Warn("Channel stop failed", "error", err)
		}
	}()

	dispatcher := messaging.NewDispatcher(channel, controller, menus, st)
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
