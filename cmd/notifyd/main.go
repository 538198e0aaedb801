package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/commercecms/notify/src/config"
	"github.com/commercecms/notify/src/email"
	"github.com/commercecms/notify/src/scheduler"
	"github.com/commercecms/notify/src/server/event"
	"github.com/commercecms/notify/src/server/handler"
	"github.com/commercecms/notify/src/server/middleware"
	"github.com/commercecms/notify/src/server/model"
	"github.com/commercecms/notify/src/server/service"
)

var (
	// Version info (set via ldflags during build)
	Version   = "dev"
	GitCommit = "unknown"
)

// mustSchedule registers a task and fails startup on a bad cron
// expression rather than silently running without the task.
func mustSchedule(sched *scheduler.Scheduler, name, schedule string, fn func() error) {
	if err := sched.Add(name, schedule, fn); err != nil {
		log.Fatalf("failed to schedule task %s: %v", name, err)
	}
}

func main() {
	configPath := flag.String("config", "", "path to notifyd.yml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := model.InitSchema(db); err != nil {
		log.Fatalf("failed to initialize schema: %v", err)
	}

	// The registry is created once here and injected everywhere; it is the
	// only shared mutable state in the delivery core.
	registry := service.NewConnectionRegistry()
	hub := service.NewHub(registry)
	go hub.Run()
	defer hub.Stop()

	emailSvc := email.New(email.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
		TLS:      cfg.SMTP.TLS,
	})

	var emailSender service.EmailSender
	if emailSvc.IsEnabled() {
		emailSender = emailSvc
	} else {
		log.Println("SMTP not configured, email channel disabled")
	}

	var smsSender service.SMSSender
	if cfg.SMS.Enabled {
		smsSender = service.NoopSMS{}
	}

	notifModel := &model.NotificationModel{DB: db}
	prefModel := &model.PreferenceModel{DB: db}

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Store:     notifModel,
		Prefs:     service.NewCachedPreferences(prefModel, cfg.PreferenceCacheTTL()),
		Registry:  registry,
		Transport: hub,
		Email:     emailSender,
		SMS:       smsSender,
		Timeout:   cfg.Timeout(),
	})

	sched := scheduler.New()
	mustSchedule(sched, "smtp-revalidate", "@every 5m", func() error {
		emailSvc.Refresh()
		return nil
	})
	mustSchedule(sched, "notification-retention", "0 2 * * *", func() error {
		purgeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		deleted, err := notifModel.PurgeOlderThan(purgeCtx, 30*24*time.Hour)
		if err != nil {
			return err
		}
		if deleted > 0 {
			log.Printf("Retention purge removed %d read notifications", deleted)
		}
		return nil
	})
	mustSchedule(sched, "hub-stats", "@every 1m", func() error {
		log.Printf("Hub stats: %d connections, %d users online",
			registry.ConnectionCount(), registry.UserCount())
		return nil
	})
	sched.Start()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.Kafka.Brokers) > 0 {
		consumer := event.NewConsumer(event.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, dispatcher)
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Kafka consumer stopped: %v", err)
			}
		}()
	}

	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Metrics())

	handlers := &handler.NotificationHandlers{
		Dispatcher: dispatcher,
		Hub:        hub,
		Registry:   registry,
		Store:      notifModel,
		DB:         db,
	}
	handler.RegisterRoutes(router, handlers)

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
	}

	go func() {
		log.Printf("notifyd %s (%s) listening on %s", Version, GitCommit, cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
		os.Exit(1)
	}
}
