package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/HMasataka/gateway/internal/config"
	"github.com/HMasataka/gateway/internal/database"
	"github.com/HMasataka/gateway/internal/logging"
	"github.com/HMasataka/gateway/pkg/auth"
	"github.com/HMasataka/gateway/pkg/backplane"
	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/gateway"
	"github.com/HMasataka/gateway/pkg/metrics"
	"github.com/HMasataka/gateway/pkg/room"
	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	app := fx.New(
		fx.Supply(config.LoadOptions{Path: *configPath}),
		fx.Provide(
			newConfig,
			newLogger,
			metrics.NewRecorder,
			newPool,
			newSessionValidator,
			newBackplane,
			newRouter,
			newHTTPServer,
			newGateway,
		),
		fx.WithLogger(func(logger *logging.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.Logger}
		}),
		fx.Invoke(runHTTPServer, registerMetrics),
	)
	app.Run()
}

func newConfig(opts config.LoadOptions) (*config.Config, error) {
	return config.Load(opts)
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(cfg.Logging)
}

// newPool connects to Postgres when a database host is configured. It
// returns a nil pool otherwise.
func newPool(lc fx.Lifecycle, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	if !cfg.Database.Enabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database", "host", cfg.Database.Host, "database", cfg.Database.Name)

	lc.Append(fx.StopHook(pool.Close))
	return pool, nil
}

func newSessionValidator(cfg *config.Config, pool *pgxpool.Pool, logger *logging.Logger) auth.SessionValidator {
	if pool != nil {
		return auth.NewPostgresStore(pool)
	}

	logger.Warn("no database configured, using static sessions from GATEWAY_DEV_TOKENS")
	v := auth.NewStaticValidator(clock.New())
	for token, identity := range parseDevTokens(os.Getenv("GATEWAY_DEV_TOKENS")) {
		v.Add(token, identity, 0)
	}
	return v
}

// parseDevTokens reads "token=user[:role],token=user[:role]".
func parseDevTokens(s string) map[string]domain.Identity {
	out := make(map[string]domain.Identity)
	for _, pair := range strings.Split(s, ",") {
		token, rest, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || rest == "" {
			continue
		}
		user, role, _ := strings.Cut(rest, ":")
		out[token] = domain.Identity{UserID: user, Role: domain.ParseRole(role), DisplayName: user}
	}
	return out
}

func newBackplane(cfg *config.Config, logger *logging.Logger) (backplane.Backplane, error) {
	bc := cfg.Backplane
	switch bc.Driver {
	case config.DriverRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("using redis backplane", "addr", bc.RedisAddr)
		bp, err := backplane.DialRedis(ctx, bc.RedisAddr, bc.RedisPassword, bc.RedisDB)
		if err != nil {
			return nil, err
		}
		return bp, nil
	case config.DriverNATS:
		logger.Info("using nats backplane", "url", bc.NATSURL)
		return backplane.NewNATSBackplane(bc.NATSURL), nil
	default:
		logger.Warn("using in-memory backplane, instances will not share messages")
		return backplane.NewMemoryBackplane(backplane.NewMemoryBroker()), nil
	}
}

func newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

type gatewayParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Router    chi.Router
	Logger    *logging.Logger
	Recorder  *metrics.Recorder
	Validator auth.SessionValidator
	Backplane backplane.Backplane
	Pool      *pgxpool.Pool
}

func newGateway(p gatewayParams) (*gateway.Gateway, error) {
	opts := []gateway.Option{
		gateway.WithSessionValidator(p.Validator),
		gateway.WithBackplane(p.Backplane),
		gateway.WithMetrics(p.Recorder),
		gateway.WithLogger(p.Logger),
	}
	if p.Pool != nil {
		opts = append(opts,
			gateway.WithResourceChecker(room.NewPostgresResourceChecker(p.Pool)),
			gateway.WithNotificationStore(gateway.NewPostgresNotificationStore(p.Pool)),
		)
	}

	g, err := gateway.New(p.Config, opts...)
	if err != nil {
		return nil, err
	}
	g.Mount(p.Router)

	p.Lifecycle.Append(fx.Hook{
		// The subscription outlives the start hook, so it gets its own context.
		OnStart: func(context.Context) error {
			return g.Start(context.Background())
		},
		OnStop: g.Shutdown,
	})
	return g, nil
}

func newHTTPServer(cfg *config.Config, r chi.Router) *http.Server {
	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// runHTTPServer is invoked before the gateway is built, so on stop the
// gateway drains its connections before the listener closes.
func runHTTPServer(lc fx.Lifecycle, srv *http.Server, logger *logging.Logger, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("http server listening", "addr", srv.Addr)

			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", "error", err.Error())
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

func registerMetrics(r chi.Router, g *gateway.Gateway, recorder *metrics.Recorder) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(recorder, prometheus.Labels{"instance_id": g.InstanceID()}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}
