// Package main runs the announcements notifier: it ingests board events, keeps email
// preferences and member lists, and sends the daily digest.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"cloud.google.com/go/storage"
	"github.com/DavidGamba/go-getoptions"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"announcements-notifier/config"
	"announcements-notifier/digest"
	"announcements-notifier/email"
	"announcements-notifier/feed"
	"announcements-notifier/lifecycle"
	"announcements-notifier/lock"
	"announcements-notifier/members"
	"announcements-notifier/prefs"
	"announcements-notifier/server"
	"announcements-notifier/sqlstore"
	statestore "announcements-notifier/storage"
)

const (
	digestType = "announcements"
	lockTTL    = 2 * time.Minute // Renewed while a run is in progress; bounds how long a crashed run blocks others
)

// commandLineOptionValues represents the values of the command-line options that were passed on the command line when
// this service was invoked.
type commandLineOptionValues struct {
	RunNow bool
}

func parseCommandLine() *commandLineOptionValues {
	optionValues := &commandLineOptionValues{}
	opt := getoptions.New()

	// Define the command-line options.
	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.BoolVar(&optionValues.RunNow, "run-now", false,
		opt.Description("send every digest up to now and exit"))

	// Parse the command line, handling requests for help and usage errors.
	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprint(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprint(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(1)
	}

	return optionValues
}

func main() {
	optionValues := parseCommandLine()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, reading from environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, optionValues, logger); err != nil {
		logger.Error("Notifier failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, optionValues *commandLineOptionValues, logger *slog.Logger) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := sqlstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)
	if err := sqlstore.Migrate(ctx, db); err != nil {
		return err
	}

	prefStore := sqlstore.NewPrefs(db)
	memberStore := sqlstore.NewMembers(db)
	posts := sqlstore.NewPosts(db)
	directory := sqlstore.NewDirectory(db)

	resolver := prefs.New(prefStore, logger)
	manager := members.New(memberStore, posts, directory, logger)
	guard := members.NewGuard(manager, posts, directory, logger)

	// Member lists are purged through the thread table, so they go before posts.
	bus := lifecycle.NewBus(logger)
	bus.Register(resolver.HandleLifecycle, lifecycle.UserDeleted, lifecycle.ContainerDeleted)
	bus.Register(manager.HandleLifecycle, lifecycle.UserDeleted, lifecycle.GroupMemberRemoved, lifecycle.ContainerDeleted)
	bus.Register(posts.HandleLifecycle, lifecycle.ContainerDeleted)
	bus.Register(directory.HandleLifecycle, lifecycle.UserDeleted, lifecycle.ContainerDeleted)

	states, closeStorage, err := initStateStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	var locker digest.Locker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close Redis client", "error", err)
			}
		}()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis at %s: %w", cfg.RedisAddr, err)
		}
		locker = lock.New(client, lockTTL, logger)
		logger.Info("Digest run lock enabled", "redis_addr", cfg.RedisAddr)
	} else {
		logger.Info("No REDIS_ADDR set, digest runs are only serialized within this process")
	}

	provider, err := initMailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var limiter *rate.Limiter
	if cfg.Mail.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Mail.RatePerSec), 1)
	}
	sender := email.New(provider, limiter, logger, cfg.BaseURL, loc)

	registry := digest.NewRegistry(logger)
	if err := registry.Register(digest.New(&digest.Config{
		DigestType: digestType,
		Events:     posts,
		Directory:  directory,
		Resolver:   resolver,
		Members:    manager,
		State:      states,
		Deliverer:  sender,
		Locker:     locker,
		Logger:     logger,
	})); err != nil {
		return err
	}

	if optionValues.RunNow {
		results, err := registry.RunAll(ctx, time.Now())
		for _, res := range results {
			logger.Info("Digest result",
				"run_id", res.RunID,
				"digest_type", res.DigestType,
				"recipients_notified", res.RecipientsNotified,
				"events_processed", res.EventsProcessed,
				"committed", res.Committed)
		}
		return err
	}

	scheduler := digest.NewScheduler(registry, loc, cfg.Digest.Hour, cfg.Digest.Minute, logger)
	srv := server.New(&server.Config{
		Runner: registry,
		States: states,
		Logger: logger,
	})

	var consumer *feed.Consumer
	if cfg.AMQP.URI != "" {
		handlers := feed.NewHandlers(posts, guard, bus, logger)
		consumer = feed.NewConsumer(&feed.Settings{
			URI:          cfg.AMQP.URI,
			ExchangeName: cfg.AMQP.ExchangeName,
			ExchangeType: cfg.AMQP.ExchangeType,
			QueueName:    cfg.AMQP.QueueName,
		}, handlers.Routes(), logger)
	} else {
		logger.Warn("No AMQP_URI set, board events will not be ingested")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				// One component down takes the process down.
				cancel()
			}
		}()
	}

	start("scheduler", scheduler.Run)
	start("http server", func(ctx context.Context) error {
		return srv.ListenAndServe(ctx, cfg.Port)
	})
	if consumer != nil {
		start("event feed", consumer.Run)
	}

	wg.Wait()
	logger.Info("Notifier stopped")
	return errors.Join(errs...)
}

func closeDB(db *sql.DB, logger *slog.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("Failed to close database", "error", err)
	}
}

// initStateStore returns the digest state store and a function releasing its resources.
func initStateStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*statestore.Store, func(), error) {
	// Local development mode
	if cfg.LocalStorage != "" {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return statestore.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	closeFn := func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	logger.Info("Using Cloud Storage for digest state", "bucket", cfg.StorageBucket)
	return statestore.New(storageClient, cfg.StorageBucket, "", logger), closeFn, nil
}

func initMailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Mail.Provider {
	case "gmail":
		service, err := initGmailService(ctx, cfg.Mail.GoogleCredentials)
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		logger.Info("Using Gmail for digest email")
		return email.NewGmailProvider(service, cfg.Mail.FromAddr, cfg.Mail.FromName, logger), nil
	case "brevo":
		logger.Info("Using Brevo for digest email", "from", cfg.Mail.FromAddr)
		return email.NewBrevoProvider(cfg.Mail.BrevoAPIKey, cfg.Mail.FromAddr, cfg.Mail.FromName, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// The Cloud Run service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
