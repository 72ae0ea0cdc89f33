package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ovaphlow/pitchfork/service-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth/internal/geo"
	"github.com/ovaphlow/pitchfork/service-auth/internal/mailer"
	"github.com/ovaphlow/pitchfork/service-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth/internal/oauth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	sessionrepo "github.com/ovaphlow/pitchfork/service-auth/internal/session/repo"
	"github.com/ovaphlow/pitchfork/service-auth/internal/throttle"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-auth/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
	verificationrepo "github.com/ovaphlow/pitchfork/service-auth/internal/verification/repo"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/response"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

func main() {
	// best-effort: a missing .env is fine
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}
	sugar.Infow("starting service-auth", "env", cfg.AppEnv, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		sugar.Fatalf("migrate: %v", err)
	}
	db, err := database.Connect(cfg.Database())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	cooldown, closeCooldown, err := throttle.Open(ctx, cfg.RedisURL, cfg.ResendCooldown)
	if err != nil {
		sugar.Fatalf("redis: %v", err)
	}
	defer closeCooldown()

	mail := mailer.New(mailer.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.AppName,
	}, sugar)

	tokens := token.NewIssuer(token.Config{
		Secret:    cfg.AccessTokenSecret,
		Issuer:    "service-auth",
		AccessTTL: cfg.AccessTokenTTL,
		ResetTTL:  cfg.ResetTokenTTL,
		StateTTL:  cfg.OAuthStateTTL,
	})
	sessions := session.NewManager(sessionrepo.NewSessionRepo(db), cfg.RefreshTokenTTL)
	verifications := verification.NewService(verificationrepo.NewVerificationRepo(db), mail, verification.Config{
		FrontendURL: cfg.FrontendURL,
		LinkTTL:     cfg.EmailLinkTTL,
		OTPTTL:      cfg.EmailOTPTTL,
	}, sugar)

	svc := auth.NewService(auth.Deps{
		Users:         userrepo.NewUserRepo(db),
		Locations:     userrepo.NewLocationRepo(db),
		Sessions:      sessions,
		Verifications: verifications,
		Tokens:        tokens,
		Hasher:        user.BcryptHasher{Cost: cfg.BcryptCost},
		Geo:           geo.NewHTTPLocator(cfg.GeoLookupURL, cfg.GeoTimeout, sugar),
		Cooldown:      cooldown,
		Metrics:       collector,
		Logger:        sugar,
	}, auth.Config{LogoutOnPasswordReset: cfg.LogoutOnPasswordReset})

	providers := []*oauth.Client{
		oauth.NewClient(oauth.GoogleConfig(cfg.Google.ClientID, cfg.Google.ClientSecret,
			cfg.CallbackURL(oauth.Google, cfg.Google)), nil),
		oauth.NewClient(oauth.FacebookConfig(cfg.Facebook.ClientID, cfg.Facebook.ClientSecret,
			cfg.CallbackURL(oauth.Facebook, cfg.Facebook)), nil),
	}
	for _, p := range providers {
		if !p.Enabled() {
			sugar.Warnw("oauth provider disabled", "provider", p.Name())
		}
	}

	resp := response.NewResponder(sugar, !cfg.Production())
	authHandler, err := auth.NewHandler(svc, providers, cfg.FrontendURL, resp, sugar)
	if err != nil {
		sugar.Fatalf("auth handler: %v", err)
	}

	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{cfg.FrontendURL}
	}
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: router.New(router.Options{
			Logger:         sugar,
			Responder:      resp,
			Auth:           authHandler.Routes,
			Metrics:        metrics.Handler(reg),
			Observer:       collector,
			AllowedOrigins: origins,
			AuthRateLimit:  cfg.AuthRateLimit,
			TrustProxy:     cfg.TrustProxy,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := session.NewSweeper(cfg.SessionSweepInterval, sugar, collector).
		Register("sessions", sessions).
		Register("verifications", verifications)
	go sweeper.Run(ctx)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	<-ctx.Done()
	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	sugar.Info("goodbye")
}
