package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/becaflow/gateway/internal/authz"
	"github.com/becaflow/gateway/internal/cache"
	"github.com/becaflow/gateway/internal/config"
	"github.com/becaflow/gateway/internal/events"
	"github.com/becaflow/gateway/internal/http/helpers"
	"github.com/becaflow/gateway/internal/http/router"
	"github.com/becaflow/gateway/internal/idempotency"
	jwtx "github.com/becaflow/gateway/internal/jwt"
	"github.com/becaflow/gateway/internal/metrics"
	"github.com/becaflow/gateway/internal/observability/logger"
	"github.com/becaflow/gateway/internal/rate"
)

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Gateway de requests para la plataforma de becas",
	}
	root.AddCommand(serveCmd(), verifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ===== serve =====

func serveCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Arranca el gateway HTTP con el pipeline completo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				_ = godotenv.Load(envFile)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger.Init(logger.Config{
				Env:         cfg.App.Env,
				Level:       cfg.Log.Level,
				ServiceName: "gateway",
			})
			defer func() { _ = logger.Sync() }()

			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "ruta a config.yaml (opcional; env siempre aplica)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "ruta a .env")
	return cmd
}

func runServe(cfg *config.Config) error {
	log := logger.L()
	ctx := context.Background()

	// --- Key store + verifier ---
	keystore := jwtx.NewRemoteKeystore(cfg.Issuer.JWKSURL, jwtx.KeystoreOptions{
		RefreshTTL:    config.Dur(cfg.Issuer.RefreshTTL),
		ForceCooldown: config.Dur(cfg.Issuer.ForceCooldown),
	})
	verifier := jwtx.NewVerifier(keystore, jwtx.VerifierConfig{
		Issuer:      cfg.Issuer.Issuer,
		Audience:    cfg.Issuer.Audience,
		AllowedAlgs: cfg.Issuer.AllowedAlgs,
	})

	// --- Rate limiters por clase ---
	limiters := map[string]rate.Limiter{}
	if cfg.Rate.Enabled {
		if cfg.Cache.Driver == "redis" {
			rc := rdb.NewClient(&rdb.Options{
				Addr:     cfg.Cache.Addr,
				Password: cfg.Cache.Password,
				DB:       cfg.Cache.DB,
			})
			if err := rc.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			defer func() { _ = rc.Close() }()
			limiters["read"] = rate.NewRedisLimiter(rc, cfg.Cache.Prefix+":rl:read",
				cfg.Rate.Read.MaxRequests, config.Dur(cfg.Rate.Read.Window))
			limiters["write"] = rate.NewRedisLimiter(rc, cfg.Cache.Prefix+":rl:write",
				cfg.Rate.Write.MaxRequests, config.Dur(cfg.Rate.Write.Window))
		} else {
			read := rate.NewMemoryLimiter(cfg.Rate.Read.MaxRequests, config.Dur(cfg.Rate.Read.Window))
			write := rate.NewMemoryLimiter(cfg.Rate.Write.MaxRequests, config.Dur(cfg.Rate.Write.Window))
			limiters["read"] = read
			limiters["write"] = write
			go runRateJanitor(ctx, log, read, write)
		}
	}

	// --- Idempotency store ---
	var idemStore idempotency.Store
	idemOpts := idempotency.Options{
		PendingTTL:   config.Dur(cfg.Idempotency.PendingTTL),
		RetentionTTL: config.Dur(cfg.Idempotency.RetentionTTL),
	}
	switch cfg.Idempotency.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Idempotency.PostgresDSN)
		if err != nil {
			return fmt.Errorf("pgxpool: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		if _, err := pool.Exec(ctx, idempotency.Schema); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		pgStore := idempotency.NewPGStore(pool, idemOpts)
		idemStore = pgStore
		go runIdemJanitor(ctx, pgStore, log)
	default:
		cc, err := cache.New(cache.Config{
			Driver:   cfg.Cache.Driver,
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			Prefix:   cfg.Cache.Prefix,
		})
		if err != nil {
			return err
		}
		defer func() { _ = cc.Close() }()
		idemStore = idempotency.NewCacheStore(cc, idemOpts)
	}

	// --- Event emitter ---
	var emitter *events.Emitter
	if len(cfg.Events.Targets) > 0 {
		emitter = events.NewEmitter(events.EmitterConfig{
			Targets:    cfg.Events.Targets,
			Timeout:    config.Dur(cfg.Events.Timeout),
			QueueSize:  cfg.Events.QueueSize,
			Workers:    cfg.Events.Workers,
			DropOnOpen: cfg.Events.DropOnOpen,
			Breaker: events.BreakerOptions{
				FailureThreshold: cfg.Events.Breaker.FailureThreshold,
				Cooldown:         config.Dur(cfg.Events.Breaker.Cooldown),
			},
		})
		defer emitter.Close()
	}

	// --- Métricas ---
	metricsHandler, err := metrics.Register(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	deps := router.Deps{
		Verifier:  verifier,
		Limiters:  limiters,
		IdemStore: idemStore,
		Emitter:   emitter,
		Health: func() router.Health {
			h := router.Health{Ready: true, KeyStore: "fresh"}
			if !keystore.Ready() {
				h.Ready = false
				h.KeyStore = "unavailable"
			} else if keystore.Degraded() {
				h.KeyStore = "degraded"
			}
			return h
		},
	}

	h := router.New(deps, demoRoutes(), metricsHandler)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway escuchando", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("apagando gateway", logger.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown forzado", logger.Err(err))
		return err
	}
	log.Info("gateway detenido")
	return nil
}

// runIdemJanitor purga registros de idempotencia vencidos cada hora.
func runIdemJanitor(ctx context.Context, store *idempotency.PGStore, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpired(ctx)
			if err != nil {
				log.Warn("janitor de idempotencia falló", logger.Err(err))
				continue
			}
			if n > 0 {
				log.Info("registros de idempotencia purgados", logger.Int("count", int(n)))
			}
		}
	}
}

// runRateJanitor desaloja contadores inactivos de los limiters en memoria.
func runRateJanitor(ctx context.Context, log *zap.Logger, limiters ...*rate.MemoryLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := 0
			for _, l := range limiters {
				evicted += l.Cleanup()
			}
			if evicted > 0 {
				log.Info("contadores de rate limit desalojados", logger.Int("count", evicted))
			}
		}
	}
}

// demoRoutes monta handlers de ejemplo detrás del pipeline. En un
// deployment real estas rutas proxean al servicio de negocio.
func demoRoutes() []router.Route {
	echo := func(status int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			helpers.WriteJSON(w, status, map[string]any{
				"ok":     true,
				"method": r.Method,
				"path":   r.URL.Path,
			})
		})
	}

	return []router.Route{
		{
			Method:  http.MethodGet,
			Pattern: "/v1/convocatorias",
			Handler: echo(http.StatusOK),
			Public:  true,
			Class:   "read",
		},
		{
			Method:     http.MethodGet,
			Pattern:    "/v1/solicitudes",
			Handler:    echo(http.StatusOK),
			Capability: authz.Scope("solicitudes:read"),
			Class:      "read",
		},
		{
			Method:     http.MethodPost,
			Pattern:    "/v1/solicitudes",
			Handler:    echo(http.StatusCreated),
			Capability: authz.Scope("solicitudes:write"),
			Class:      "write",
			Mutating:   true,
			EventType:  "solicitud.creada",
		},
		{
			Method:     http.MethodPost,
			Pattern:    "/v1/internal/recalculos",
			Handler:    echo(http.StatusAccepted),
			Capability: authz.Role("admin").ForMachines(),
			Class:      "write",
			Mutating:   true,
			EventType:  "recalculo.lanzado",
		},
	}
}

// ===== verify =====

func verifyCmd() *cobra.Command {
	var (
		jwksURL  string
		issuer   string
		audience string
	)
	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verifica un token contra un JWKS remoto e imprime los claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jwksURL == "" {
				return fmt.Errorf("--jwks-url es requerido")
			}
			logger.Init(logger.Config{Env: "dev", Level: "warn"})

			keystore := jwtx.NewRemoteKeystore(jwksURL, jwtx.KeystoreOptions{})
			verifier := jwtx.NewVerifier(keystore, jwtx.VerifierConfig{
				Issuer:   issuer,
				Audience: audience,
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			id, err := verifier.Verify(ctx, args[0])
			if err != nil {
				return fmt.Errorf("token inválido: %w", err)
			}

			out, _ := json.MarshalIndent(map[string]any{
				"subject":    id.Subject,
				"issuer":     id.Issuer,
				"audience":   id.Audience,
				"roles":      id.Roles.Values(),
				"scopes":     id.Scopes.Values(),
				"expires_at": id.ExpiresAt.Format(time.RFC3339),
				"service":    id.IsService(),
			}, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&jwksURL, "jwks-url", os.Getenv("GATEWAY_JWKS_URL"), "URL del JWKS del issuer")
	cmd.Flags().StringVar(&issuer, "issuer", os.Getenv("GATEWAY_ISSUER"), "issuer esperado (iss)")
	cmd.Flags().StringVar(&audience, "audience", os.Getenv("GATEWAY_AUDIENCE"), "audience esperada (aud)")
	return cmd
}
