// Package run contains the command to run a rebac server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/planhub/rebac/cmd/util"
	"github.com/planhub/rebac/internal/graph"
	"github.com/planhub/rebac/pkg/cache"
	"github.com/planhub/rebac/pkg/logger"
	"github.com/planhub/rebac/pkg/schema"
	"github.com/planhub/rebac/pkg/server"
	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/storage/memory"
	"github.com/planhub/rebac/pkg/storage/postgres"
)

const (
	datastoreEngineFlag  = "datastore-engine"
	datastoreURIFlag     = "datastore-uri"
	httpAddrFlag         = "http-addr"
	logFormatFlag        = "log-format"
	logLevelFlag         = "log-level"
	cacheLimitFlag       = "cache-limit"
	cacheTTLFlag         = "cache-ttl"
	cacheRemoteAddrsFlag = "cache-remote-addrs"
	cacheRemoteTTLFlag   = "cache-remote-ttl"
	checkDepthLimitFlag  = "check-depth-limit"
	sweepIntervalFlag    = "sweep-interval"
)

// NewRunCommand creates the command that starts the rebac server.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rebac server",
		Long:  "Run the rebac server.",
		RunE:  runServer,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
			util.MustBindPFlag(httpAddrFlag, flags.Lookup(httpAddrFlag))
			util.MustBindPFlag(logFormatFlag, flags.Lookup(logFormatFlag))
			util.MustBindPFlag(logLevelFlag, flags.Lookup(logLevelFlag))
			util.MustBindPFlag(cacheLimitFlag, flags.Lookup(cacheLimitFlag))
			util.MustBindPFlag(cacheTTLFlag, flags.Lookup(cacheTTLFlag))
			util.MustBindPFlag(cacheRemoteAddrsFlag, flags.Lookup(cacheRemoteAddrsFlag))
			util.MustBindPFlag(cacheRemoteTTLFlag, flags.Lookup(cacheRemoteTTLFlag))
			util.MustBindPFlag(checkDepthLimitFlag, flags.Lookup(checkDepthLimitFlag))
			util.MustBindPFlag(sweepIntervalFlag, flags.Lookup(sweepIntervalFlag))
		},
	}

	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "memory", "the datastore engine that will be used for persistence ('memory' or 'postgres')")
	flags.String(datastoreURIFlag, "", "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	flags.String(httpAddrFlag, "0.0.0.0:8080", "the host:port address to serve the HTTP API, metrics and health endpoints on")
	flags.String(logFormatFlag, "json", "the log format to output logs in ('json' or 'text')")
	flags.String(logLevelFlag, "info", "the log level to use")
	flags.Int64(cacheLimitFlag, 10000, "the maximum number of cached decisions held in process")
	flags.Duration(cacheTTLFlag, 10*time.Second, "the time-to-live of cached decisions")
	flags.StringSlice(cacheRemoteAddrsFlag, nil, "redis addresses for the shared cache tier (empty disables the tier)")
	flags.Duration(cacheRemoteTTLFlag, 10*time.Second, "the time-to-live of decisions in the shared cache tier")
	flags.Int(checkDepthLimitFlag, 0, "override for the relation graph traversal depth limit (0 uses the default)")
	flags.Duration(sweepIntervalFlag, 10*time.Minute, "how often expired tuples are removed (0 disables the sweeper)")

	// NOTE: if you add a new flag here, add the binding in PreRun

	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	log, err := logger.NewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	permissions, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load permission schema: %w", err)
	}

	ds, err := buildDatastore(log)
	if err != nil {
		return err
	}

	decisionCache, err := buildCache(log)
	if err != nil {
		return err
	}

	var checkOpts []server.AuthorizerOpt
	if limit := viper.GetInt(checkDepthLimitFlag); limit > 0 {
		checkOpts = append(checkOpts,
			server.WithCheckEngineOpts(graph.WithCheckDepthLimit(limit)),
			server.WithExpandEngineOpts(graph.WithExpandDepthLimit(limit)),
		)
	}

	authorizer := server.New(ds, decisionCache, permissions,
		append(checkOpts, server.WithLogger(log))...)
	defer authorizer.Close()

	mux := http.NewServeMux()
	mux.Handle("/", server.NewHTTPHandler(authorizer, log))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ready, err := authorizer.IsReady(r.Context())
		if err != nil || !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    viper.GetString(httpAddrFlag),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := viper.GetDuration(sweepIntervalFlag); interval > 0 {
		go runSweeper(ctx, authorizer, interval, log)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve HTTP: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// loadSchema reads the permission schema from configuration. When no schema
// is configured a small default covering documents and organizations is
// used, which is enough to try the server out.
func loadSchema() (*schema.PermissionMap, error) {
	var cfg schema.Config
	if err := viper.UnmarshalKey("schema", &cfg); err != nil {
		return nil, err
	}

	if len(cfg.Permissions) == 0 {
		cfg = schema.Config{
			Permissions: map[string][]string{
				"view":   {"viewer"},
				"edit":   {"editor"},
				"delete": {"owner"},
			},
			Implications: map[string][]string{
				"owner":  {"editor"},
				"editor": {"viewer"},
			},
		}
	}

	return schema.New(cfg)
}

func buildDatastore(log logger.Logger) (storage.TupleStore, error) {
	engine := viper.GetString(datastoreEngineFlag)
	switch engine {
	case "memory":
		return memory.New(), nil
	case "postgres":
		cfg := postgres.DefaultConfig()
		cfg.Logger = log
		ds, err := postgres.New(viper.GetString(datastoreURIFlag), cfg)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres datastore: %w", err)
		}
		return ds, nil
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", engine)
	}
}

func buildCache(log logger.Logger) (cache.DecisionCache, error) {
	local := cache.NewLocalCache(
		cache.WithMaxCacheSize(viper.GetInt64(cacheLimitFlag)),
		cache.WithCacheTTL(viper.GetDuration(cacheTTLFlag)),
	)

	addrs := viper.GetStringSlice(cacheRemoteAddrsFlag)
	if len(addrs) == 0 {
		return local, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: addrs})
	return cache.NewTwoTierCache(local, client,
		cache.WithRemoteTTL(viper.GetDuration(cacheRemoteTTLFlag)),
		cache.WithTwoTierLogger(log),
	), nil
}

func runSweeper(ctx context.Context, authorizer *server.Authorizer, interval time.Duration, log logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := authorizer.SweepExpired(ctx); err != nil {
				log.Warn("expired tuple sweep failed", zap.Error(err))
			}
		}
	}
}
