// Command cards runs the CARDS data capture server: the content repository,
// the HTTP API, the nightly patient import and the survey invitations.
//
// "cards token -user NAME [-roles admin]" prints a staff token signed with
// the configured key instead of starting the server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"cards/internal/adapters/httpapi"
	"cards/internal/auth"
	"cards/internal/blob"
	"cards/internal/core"
	"cards/internal/export"
	"cards/internal/importer"
	"cards/internal/infra/events"
	"cards/internal/mail"
	"cards/internal/notifications"
	"cards/internal/observation"
	"cards/internal/platform/config"
	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
	"cards/internal/platform/scheduler"
	"cards/internal/serialize"
	"cards/pkg/domain"
	"cards/plugins/proms"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "cards:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(args) > 0 && args[0] == "token" {
		return issueToken(cfg, args[1:], stdout)
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log)
}

func issueToken(cfg config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "token subject")
	roles := fs.String("roles", "", "comma separated roles")
	ttl := fs.Duration("ttl", cfg.Auth.StaffTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("token: -user is required")
	}
	if cfg.Auth.TokenKey == "" {
		return errors.New("token: CARDS_TOKEN_KEY is not set")
	}
	tokens, err := auth.NewTokenManager(cfg.Auth.TokenKey, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	var list []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			list = append(list, r)
		}
	}
	token, _, err := tokens.IssueStaff(*user, list, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.New()

	store, err := core.OpenPersistentStore(cfg.Storage, domain.NewCommitHookEngine())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	dispatcher := observation.NewDispatcher(observation.WithLogger(log), observation.WithMetrics(m))
	svc := core.NewService(store, core.WithLogger(log), core.WithMetrics(m), core.WithDispatcher(dispatcher))
	svc.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := svc.Stop(stopCtx); err != nil {
			log.Error("store shutdown", "error", err)
		}
	}()

	sender := newSender(cfg.SMTP, log)
	pluginOpts := []proms.Option{proms.WithStore(svc), proms.WithMailer(sender), proms.WithLogger(log), proms.WithMetrics(m)}
	if len(cfg.Kafka.Brokers) > 0 {
		client, err := events.NewClient(cfg.Kafka)
		if err != nil {
			return err
		}
		defer client.Close()
		pluginOpts = append(pluginOpts, proms.WithPublisher(events.NewPublisher(client, cfg.Kafka, log)))
	}
	plugin := proms.New(proms.Config{PauseResume: cfg.PauseResume, VisitNumbers: cfg.VisitNumbers, Alerts: cfg.Alerts}, pluginOpts...)
	if _, err := svc.InstallPlugin(ctx, plugin); err != nil {
		return err
	}

	tokens, err := newTokens(ctx, cfg.Auth, log)
	if err != nil {
		return err
	}
	serializer := serialize.New(serialize.WithLogger(log), serialize.WithMetrics(m), serialize.WithProcessors(svc.Processors()...))

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	exports := export.NewWorker(svc, blobs, serializer,
		export.WithLogger(log),
		export.WithMetrics(m),
		export.WithAudit(export.SlogAudit{Logger: log}),
		export.WithQueueSize(cfg.Exports.QueueSize),
		export.WithURLExpiry(cfg.Exports.URLExpiry),
	)
	exports.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := exports.Stop(stopCtx); err != nil {
			log.Error("export worker shutdown", "error", err)
		}
	}()

	sched := scheduler.New(scheduler.WithLogger(log))
	serverOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithMetrics(m),
		httpapi.WithPatientAuth(auth.NewPatientAuthenticator(svc, tokens, auth.DefaultPatientConfig())),
		httpapi.WithExports(exports),
	}

	task, closeSource, err := newImportTask(cfg.Import, svc, log, m)
	if err != nil {
		return err
	}
	defer closeSource()
	if task != nil {
		serverOpts = append(serverOpts, httpapi.WithImporter(task))
		if err := sched.Add("import", cfg.Schedules.Import, task.Job); err != nil {
			return err
		}
		defer task.Wait()
	}
	notifier := notifications.NewGeneralNotificationsTask(svc, sender, tokens, cfg.Notifications,
		notifications.WithLogger(log), notifications.WithMetrics(m))
	if err := sched.Add("notifications", cfg.Schedules.Notifications, notifier.Job); err != nil {
		return err
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil {
			log.Error("scheduler shutdown", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.New(svc, serializer, tokens, serverOpts...).Routes(),
		ReadHeaderTimeout: cfg.Server.ShutdownTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver, "blob", blobs.Driver())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newSender(cfg mail.SMTPConfig, log *slog.Logger) mail.Sender {
	if cfg.Host == "" {
		log.Warn("no SMTP host configured; e-mails are kept in memory")
		return mail.NewMemorySender()
	}
	return mail.NewSMTPSender(cfg)
}

func newTokens(ctx context.Context, cfg config.Auth, log *slog.Logger) (*auth.TokenManager, error) {
	key := cfg.TokenKey
	if key == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
		key = hex.EncodeToString(buf)
		log.Warn("no token key configured; tokens will not survive a restart")
	}
	var revocations auth.RevocationStore = auth.NewMemoryRevocations()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		revocations = auth.NewRedisRevocations(client)
	}
	return auth.NewTokenManager(key, cfg.Issuer, auth.WithRevocations(revocations))
}

func newImportTask(cfg config.Import, svc *core.Service, log *slog.Logger, m *metrics.Metrics) (*importer.Task, func(), error) {
	var source importer.Source
	closeSource := func() {}
	switch cfg.Source.Kind {
	case "sql":
		src, err := importer.OpenSQLSource(cfg.Source.DSN, cfg.Source.Query)
		if err != nil {
			return nil, closeSource, err
		}
		source = src
		closeSource = func() { _ = src.Close() }
	default:
		if cfg.Source.Path == "" {
			log.Info("no import source configured; patient import disabled")
			return nil, closeSource, nil
		}
		source = importer.CSVSource{Path: cfg.Source.Path}
	}
	processors, err := cfg.Pipeline.Processors(svc, time.Now, log)
	if err != nil {
		closeSource()
		return nil, func() {}, err
	}
	task := importer.NewTask(source, importer.NewPipeline(processors...), importer.NewPersister(svc, cfg.Pipeline, log),
		importer.WithTaskLogger(log), importer.WithTaskMetrics(m))
	return task, closeSource, nil
}
