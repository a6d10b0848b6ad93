package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/Concierge/internal/api"
	"github.com/BTreeMap/Concierge/internal/concierge"
	"github.com/BTreeMap/Concierge/internal/genai"
	"github.com/BTreeMap/Concierge/internal/lockfile"
	"github.com/BTreeMap/Concierge/internal/messaging"
	"github.com/BTreeMap/Concierge/internal/phone"
	"github.com/BTreeMap/Concierge/internal/seed"
	"github.com/BTreeMap/Concierge/internal/store"
	"github.com/BTreeMap/Concierge/internal/twiliosms"
	"github.com/BTreeMap/Concierge/internal/util"
	"github.com/BTreeMap/Concierge/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Concierge state data
	DefaultStateDir = "/var/lib/concierge"
	// DefaultAppDBFileName is the default SQLite database filename for application data
	DefaultAppDBFileName = "concierge.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, flags)
	stop()
	if err != nil {
		slog.Error("Concierge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Concierge exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	InMemory           bool
	APIAddr            string
	PublicURL          string
	OpenAIKey          string
	ModelEndpointURL   string
	ModelEndpointStyle string
	ModelName          string
	ModelTimeout       time.Duration
	ModelMaxTokens     int
	GenAIDebug         bool
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	TwilioServiceSID   string
	WhatsAppEnabled    bool
	WhatsAppDBDSN      string
	RedisURL           string
	HistoryLimit       int
	PhoneRegion        string
	SeedFile           string
	LogLevel           string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	inMemory      *bool
	apiAddr       *string
	publicURL     *string
	openaiKey     *string
	modelURL      *string
	modelStyle    *string
	modelName     *string
	modelTimeout  *time.Duration
	maxTokens     *int
	genaiDebug    *bool
	twilioSID     *string
	twilioToken   *string
	twilioFrom    *string
	twilioService *string
	whatsapp      *bool
	waDSN         *string
	qrOutput      *string
	numeric       *bool
	redisURL      *string
	historyLimit  *int
	region        *string
	seedFile      *string
	logLevel      *string
}

// parseLogLevel maps LOG_LEVEL values to slog levels, defaulting to info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
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
		StateDir:           util.FirstNonEmpty(os.Getenv("CONCIERGE_STATE_DIR"), DefaultStateDir),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		InMemory:           util.ParseBoolEnv("CONCIERGE_IN_MEMORY", false),
		APIAddr:            util.FirstNonEmpty(os.Getenv("API_ADDR"), api.DefaultServerAddress),
		PublicURL:          os.Getenv("PUBLIC_URL"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		ModelEndpointURL:   os.Getenv("MODEL_ENDPOINT_URL"),
		ModelEndpointStyle: util.FirstNonEmpty(os.Getenv("MODEL_ENDPOINT_STYLE"), string(genai.StyleOpenAI)),
		ModelName:          util.FirstNonEmpty(os.Getenv("MODEL_NAME"), genai.DefaultModel),
		ModelTimeout:       util.ParseDurationEnv("MODEL_TIMEOUT", genai.DefaultTimeout),
		ModelMaxTokens:     util.ParseIntEnv("MODEL_MAX_TOKENS", genai.DefaultMaxTokens),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioServiceSID:   os.Getenv("TWILIO_MESSAGING_SERVICE_SID"),
		WhatsAppEnabled:    util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDBDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		RedisURL:           os.Getenv("REDIS_URL"),
		HistoryLimit:       util.ParseIntEnv("HISTORY_LIMIT", 0),
		PhoneRegion:        util.FirstNonEmpty(os.Getenv("PHONE_REGION"), phone.DefaultRegion),
		SeedFile:           os.Getenv("SEED_FILE"),
		LogLevel:           util.FirstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
	}

	slog.Debug("environment variables loaded",
		"CONCIERGE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CONCIERGE_IN_MEMORY", config.InMemory,
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"MODEL_ENDPOINT_STYLE", config.ModelEndpointStyle,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"REDIS_URL_SET", config.RedisURL != "",
		"SEED_FILE", config.SeedFile)

	return config
}

// parseCommandLineFlags parses args with environment defaults. Database DSNs left
// empty are derived from the final state directory.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("concierge", flag.ContinueOnError)
	flags := Flags{
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for Concierge data (overrides $CONCIERGE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "application database DSN, postgres URL or SQLite path (overrides $DATABASE_URL)"),
		inMemory:      fs.Bool("in-memory", config.InMemory, "keep application data in memory (overrides $CONCIERGE_IN_MEMORY)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:     fs.String("public-url", config.PublicURL, "public base URL used to check Twilio signatures (overrides $PUBLIC_URL)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		modelURL:      fs.String("model-endpoint-url", config.ModelEndpointURL, "model endpoint or OpenAI base URL (overrides $MODEL_ENDPOINT_URL)"),
		modelStyle:    fs.String("model-endpoint-style", config.ModelEndpointStyle, "openai, inputs or messages (overrides $MODEL_ENDPOINT_STYLE)"),
		modelName:     fs.String("model", config.ModelName, "model name (overrides $MODEL_NAME)"),
		modelTimeout:  fs.Duration("model-timeout", config.ModelTimeout, "per-call model timeout (overrides $MODEL_TIMEOUT)"),
		maxTokens:     fs.Int("model-max-tokens", config.ModelMaxTokens, "completion token limit (overrides $MODEL_MAX_TOKENS)"),
		genaiDebug:    fs.Bool("genai-debug", config.GenAIDebug, "write model requests and responses to the state directory (overrides $GENAI_DEBUG)"),
		twilioSID:     fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:   fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:    fs.String("twilio-from", config.TwilioFromNumber, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
		twilioService: fs.String("twilio-messaging-service-sid", config.TwilioServiceSID, "Twilio messaging service SID (overrides $TWILIO_MESSAGING_SERVICE_SID)"),
		whatsapp:      fs.Bool("whatsapp", config.WhatsAppEnabled, "enable the WhatsApp channel (overrides $WHATSAPP_ENABLED)"),
		waDSN:         fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp session database DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:      fs.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		redisURL:      fs.String("redis-url", config.RedisURL, "redis URL for the booking lock (overrides $REDIS_URL)"),
		historyLimit:  fs.Int("history-limit", config.HistoryLimit, "messages loaded per booking (overrides $HISTORY_LIMIT)"),
		region:        fs.String("phone-region", config.PhoneRegion, "default phone region (overrides $PHONE_REGION)"),
		seedFile:      fs.String("seed-file", config.SeedFile, "YAML seed file applied to empty tables (overrides $SEED_FILE)"),
		logLevel:      fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
	}

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
	}
	if *flags.waDSN == "" {
		*flags.waDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"inMemory", *flags.inMemory,
		"apiAddr", *flags.apiAddr,
		"modelStyle", *flags.modelStyle,
		"whatsapp", *flags.whatsapp,
		"redisURL_set", *flags.redisURL != "")

	return flags, nil
}

// usesSQLite reports whether application data lives in a local SQLite file.
func usesSQLite(flags Flags) bool {
	return !*flags.inMemory && store.DetectDSNType(*flags.dbDSN) == "sqlite"
}

// ensureDirectoriesExist creates the state directory and the SQLite database directory
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if usesSQLite(flags) {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if *flags.inMemory {
		slog.Debug("In-memory store requested")
		return nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// buildGenAIOptions constructs model gateway options
func buildGenAIOptions(flags Flags) ([]genai.Option, error) {
	style, err := genai.ParsePayloadStyle(*flags.modelStyle)
	if err != nil {
		return nil, err
	}
	opts := []genai.Option{
		genai.WithStyle(style),
		genai.WithModel(*flags.modelName),
		genai.WithTimeout(*flags.modelTimeout),
		genai.WithMaxTokens(*flags.maxTokens),
	}
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.modelURL != "" {
		opts = append(opts, genai.WithEndpointURL(*flags.modelURL))
	}
	if *flags.genaiDebug {
		opts = append(opts, genai.WithDebug(*flags.stateDir))
	}
	return opts, nil
}

// buildTwilioOptions constructs Twilio options. ok is false when no account is configured.
func buildTwilioOptions(flags Flags) (opts []twiliosms.Option, ok bool) {
	if *flags.twilioSID == "" {
		return nil, false
	}
	opts = []twiliosms.Option{
		twiliosms.WithAccountSID(*flags.twilioSID),
		twiliosms.WithAuthToken(*flags.twilioToken),
	}
	if *flags.twilioFrom != "" {
		opts = append(opts, twiliosms.WithFromNumber(*flags.twilioFrom))
	}
	if *flags.twilioService != "" {
		opts = append(opts, twiliosms.WithMessagingServiceSID(*flags.twilioService))
	}
	return opts, true
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.waDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildLocker returns the redis booking lock when a redis URL is configured and the
// in-process lock otherwise. The returned close func releases the redis client.
func buildLocker(ctx context.Context, redisURL string) (concierge.BookingLocker, func() error, error) {
	if redisURL == "" {
		return concierge.NewMemoryLocker(), func() error { return nil }, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis not reachable: %w", err)
	}
	slog.Info("Using redis booking lock", "addr", opt.Addr)
	return concierge.NewRedisLocker(rdb, 0), rdb.Close, nil
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}

	if usesSQLite(flags) {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if *flags.seedFile != "" {
		f, err := seed.Load(*flags.seedFile)
		if err != nil {
			return err
		}
		summary, err := seed.Apply(ctx, st, f)
		if err != nil {
			return fmt.Errorf("failed to apply seed file: %w", err)
		}
		slog.Info("Seed file applied", "path", *flags.seedFile,
			"modelParams", summary.ModelParams, "properties", summary.Properties,
			"bookings", summary.Bookings, "guests", summary.Guests)
	}

	genaiOpts, err := buildGenAIOptions(flags)
	if err != nil {
		return err
	}
	gateway, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to configure model gateway: %w", err)
	}

	var services []messaging.Service
	apiOpts := []api.Option{api.WithAddr(*flags.apiAddr)}

	if twOpts, ok := buildTwilioOptions(flags); ok {
		tw, err := twiliosms.NewClient(twOpts...)
		if err != nil {
			return fmt.Errorf("failed to configure Twilio: %w", err)
		}
		services = append(services, messaging.NewSMSService(tw))
		apiOpts = append(apiOpts, api.WithTwilioValidator(tw, *flags.publicURL))
	} else {
		slog.Warn("No Twilio account configured; SMS replies will be recorded as delivery gaps")
	}

	if *flags.whatsapp {
		wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return fmt.Errorf("failed to start WhatsApp client: %w", err)
		}
		defer wa.Disconnect()
		services = append(services, messaging.NewWhatsAppService(wa))
	}

	locker, closeLocker, err := buildLocker(ctx, *flags.redisURL)
	if err != nil {
		return err
	}
	defer closeLocker()

	router := messaging.NewRouter(services...)
	pipeline := concierge.NewPipeline(st, gateway, router,
		concierge.WithHistoryLimit(*flags.historyLimit),
		concierge.WithLocker(locker),
		concierge.WithRegion(*flags.region),
	)

	apiOpts = append(apiOpts, api.WithServices(services...))
	server := api.NewServer(st, pipeline, apiOpts...)

	slog.Info("Bootstrapping Concierge with configured modules",
		"channels", len(services), "store", store.DetectDSNType(*flags.dbDSN), "inMemory", *flags.inMemory)
	return server.Run(ctx)
}
