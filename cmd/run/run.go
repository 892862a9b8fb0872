// Package run contains the command to run a financeperm server.
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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bjmayor/finance-permission-system/cmd/util"
	"github.com/bjmayor/finance-permission-system/internal/build"
	"github.com/bjmayor/finance-permission-system/internal/httpapi"
	"github.com/bjmayor/finance-permission-system/internal/materialize"
	"github.com/bjmayor/finance-permission-system/pkg/logger"
	"github.com/bjmayor/finance-permission-system/pkg/server"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
	"github.com/bjmayor/finance-permission-system/pkg/storage/memory"
	"github.com/bjmayor/finance-permission-system/pkg/storage/mysql"
	"github.com/bjmayor/finance-permission-system/pkg/storage/postgres"
	"github.com/bjmayor/finance-permission-system/pkg/storage/sqlcommon"
	"github.com/bjmayor/finance-permission-system/pkg/storage/sqlite"
)

const (
	datastoreEngineFlag          = "datastore-engine"
	datastoreURIFlag             = "datastore-uri"
	datastoreUsernameFlag        = "datastore-username"
	datastorePasswordFlag        = "datastore-password"
	datastoreMaxOpenConnsFlag    = "datastore-max-open-conns"
	datastoreMaxIdleConnsFlag    = "datastore-max-idle-conns"
	datastoreConnMaxIdleTimeFlag = "datastore-conn-max-idle-time"
	datastoreConnMaxLifetimeFlag = "datastore-conn-max-lifetime"
	datastoreMetricsFlag         = "datastore-metrics-enabled"

	httpAddrFlag    = "http-addr"
	metricsFlag     = "metrics-enabled"
	metricsAddrFlag = "metrics-addr"

	logFormatFlag = "log-format"
	logLevelFlag  = "log-level"

	batchSizeFlag         = "resolution-batch-size"
	maxHierarchyDepthFlag = "resolution-max-hierarchy-depth"
	hierarchyCacheTTLFlag = "resolution-hierarchy-cache-ttl"

	snapshotRetentionFlag = "snapshot-retention"

	corsAllowedOriginsFlag = "http-cors-allowed-origins"
	corsAllowedHeadersFlag = "http-cors-allowed-headers"
)

var runFlags = []string{
	datastoreEngineFlag, datastoreURIFlag, datastoreUsernameFlag, datastorePasswordFlag,
	datastoreMaxOpenConnsFlag, datastoreMaxIdleConnsFlag, datastoreConnMaxIdleTimeFlag,
	datastoreConnMaxLifetimeFlag, datastoreMetricsFlag,
	httpAddrFlag, metricsFlag, metricsAddrFlag,
	logFormatFlag, logLevelFlag,
	batchSizeFlag, maxHierarchyDepthFlag, hierarchyCacheTTLFlag,
	snapshotRetentionFlag,
	corsAllowedOriginsFlag, corsAllowedHeadersFlag,
}

// NewRunCommand builds the command that runs the financeperm server.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the financeperm server",
		Long:  "Run the financeperm server.",
		RunE:  runServer,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()
			for _, name := range runFlags {
				util.MustBindPFlag(name, flags.Lookup(name))
			}
		},
	}

	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "memory", "the datastore engine that will be used for persistence: one of memory, postgres, mysql, sqlite")
	flags.String(datastoreURIFlag, "", "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	flags.String(datastoreUsernameFlag, "", "the connection username to use to connect to the datastore (overwrites any username provided in the connection uri)")
	flags.String(datastorePasswordFlag, "", "the connection password to use to connect to the datastore (overwrites any password provided in the connection uri)")
	flags.Int(datastoreMaxOpenConnsFlag, 30, "the maximum number of open connections to the datastore")
	flags.Int(datastoreMaxIdleConnsFlag, 10, "the maximum number of connections to the datastore in the idle connection pool")
	flags.Duration(datastoreConnMaxIdleTimeFlag, 0, "the maximum amount of time a connection to the datastore may be idle")
	flags.Duration(datastoreConnMaxLifetimeFlag, 0, "the maximum amount of time a connection to the datastore may be reused")
	flags.Bool(datastoreMetricsFlag, false, "enable datastore connection pool metrics")

	flags.String(httpAddrFlag, "0.0.0.0:8080", "the host:port address to serve the HTTP API on")
	flags.Bool(metricsFlag, true, "enable/disable prometheus metrics on the '/metrics' endpoint of the metrics address")
	flags.String(metricsAddrFlag, "0.0.0.0:2112", "the host:port address to serve the prometheus metrics server on")

	flags.String(logFormatFlag, "text", "the log format to output logs in: one of text, json")
	flags.String(logLevelFlag, "info", "the log level to use: one of none, debug, info, warn, error, panic, fatal")

	flags.Int(batchSizeFlag, storage.DefaultBatchSize, "the maximum number of identifiers passed to a single datastore lookup")
	flags.Int(maxHierarchyDepthFlag, 0, "bound the supervisor closure depth, 0 means unbounded")
	flags.Duration(hierarchyCacheTTLFlag, 10*time.Second, "how long a cached supervisor closure stays fresh")

	flags.String(snapshotRetentionFlag, "triples", "the published snapshot row shape: 'triples' keeps one row per (supervisor, fund, type), 'pairs' collapses to one row per (supervisor, fund)")

	flags.StringSlice(corsAllowedOriginsFlag, []string{"*"}, "specifies the CORS allowed origins")
	flags.StringSlice(corsAllowedHeadersFlag, []string{"*"}, "specifies the CORS allowed headers")

	// NOTE: if you add a new flag here, add it to runFlags so it is bound

	return cmd
}

func buildDatastore(log logger.Logger) (storage.FinanceDatastore, error) {
	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)

	dsCfg := sqlcommon.NewConfig(
		sqlcommon.WithLogger(log),
		sqlcommon.WithUsername(viper.GetString(datastoreUsernameFlag)),
		sqlcommon.WithPassword(viper.GetString(datastorePasswordFlag)),
		sqlcommon.WithBatchSize(viper.GetInt(batchSizeFlag)),
		sqlcommon.WithMaxOpenConns(viper.GetInt(datastoreMaxOpenConnsFlag)),
		sqlcommon.WithMaxIdleConns(viper.GetInt(datastoreMaxIdleConnsFlag)),
		sqlcommon.WithConnMaxIdleTime(viper.GetDuration(datastoreConnMaxIdleTimeFlag)),
		sqlcommon.WithConnMaxLifetime(viper.GetDuration(datastoreConnMaxLifetimeFlag)),
	)
	if viper.GetBool(datastoreMetricsFlag) {
		sqlcommon.WithMetrics()(dsCfg)
	}

	switch engine {
	case "memory":
		return memory.New(memory.WithBatchSize(viper.GetInt(batchSizeFlag))), nil
	case "postgres":
		return postgres.New(uri, dsCfg)
	case "mysql":
		return mysql.New(uri, dsCfg)
	case "sqlite":
		return sqlite.New(uri, dsCfg)
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", engine)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	log := logger.MustNewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))

	retention := materialize.RetainTriples
	switch viper.GetString(snapshotRetentionFlag) {
	case "triples":
	case "pairs":
		retention = materialize.CollapsePairs
	default:
		return fmt.Errorf("unknown snapshot retention: %s", viper.GetString(snapshotRetentionFlag))
	}

	ds, err := buildDatastore(log)
	if err != nil {
		return fmt.Errorf("initialize datastore: %w", err)
	}
	defer ds.Close()

	srv, err := server.New(ds,
		server.WithLogger(log),
		server.WithBatchSize(viper.GetInt(batchSizeFlag)),
		server.WithMaxHierarchyDepth(viper.GetInt(maxHierarchyDepthFlag)),
		server.WithHierarchyCacheTTL(viper.GetDuration(hierarchyCacheTTLFlag)),
		server.WithRetentionPolicy(retention),
	)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer srv.Close()

	metricsEnabled := viper.GetBool(metricsFlag)
	httpAddr := viper.GetString(httpAddrFlag)
	metricsAddr := viper.GetString(metricsAddrFlag)

	apiServer := &http.Server{
		Addr: httpAddr,
		Handler: httpapi.New(srv, httpapi.Config{
			Logger:             log,
			CORSAllowedOrigins: viper.GetStringSlice(corsAllowedOriginsFlag),
			CORSAllowedHeaders: viper.GetStringSlice(corsAllowedHeadersFlag),
		}),
	}

	var metricsServer *http.Server
	if metricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting HTTP server",
			zap.String("addr", httpAddr),
			zap.String("version", build.Version),
		)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			log.Info("starting metrics server", zap.String("addr", metricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if metricsServer != nil {
			errs = append(errs, metricsServer.Shutdown(shutdownCtx))
		}
		errs = append(errs, apiServer.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		return err
	}
	log.Info("server exited")
	return nil
}
