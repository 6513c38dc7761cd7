package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/config"
	"apotekpos/backend/internal/httpapi"
	"apotekpos/backend/internal/service"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/store/memory"
	"apotekpos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	var closers []io.Closer

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("postgres unavailable: %v", err)
		}
		closers = append(closers, pg)
		repo = pg
		log.Printf("storage: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Printf("storage: in-memory (DATABASE_URL not set, seeded demo data)")
	}

	var alerts cache.AlertCache = cache.NoopAlertCache{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisAlertCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisCache.Ping(ctx)
		cancel()
		if err != nil {
			log.Printf("redis unavailable, alert caching disabled: %v", err)
			_ = redisCache.Close()
		} else {
			alerts = redisCache
			closers = append(closers, redisCache)
			log.Printf("alert cache: redis at %s", cfg.RedisAddr)
		}
	}

	svc := service.New(repo, alerts, time.Duration(cfg.AlertTTLSeconds)*time.Second, cfg.ExpiryAlertDays)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	for _, closer := range closers {
		_ = closer.Close()
	}
}

// validateSecurityConfig refuses to start with weak or missing secrets. The
// manager PIN guards cashier provisioning, so it gets a strength check too.
func validateSecurityConfig(cfg config.Config) error {
	secret := cfg.AuthSecret
	if secret == "" {
		return fmt.Errorf("AUTH_SECRET must be set")
	}
	if len(secret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 characters, got %d", len(secret))
	}

	pin := cfg.ManagerPIN
	if pin == "" {
		return fmt.Errorf("MANAGER_PIN must be set")
	}
	if len(pin) < 6 {
		return fmt.Errorf("MANAGER_PIN must be at least 6 characters, got %d", len(pin))
	}
	if err := validatePINStrength(pin); err != nil {
		return err
	}
	return nil
}

func validatePINStrength(pin string) error {
	weak := map[string]bool{
		"123456": true, "000000": true, "111111": true,
		"654321": true, "123123": true, "112233": true,
	}
	if weak[pin] {
		return fmt.Errorf("MANAGER_PIN is too common, pick a less guessable value")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("MANAGER_PIN must not repeat a single character")
	}
	return nil
}
