package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/warehouse/tasks/pkg/metrics"
	"github.com/malbeclabs/warehouse/tasks/pkg/pipeline"
	"github.com/malbeclabs/warehouse/tasks/pkg/server"
	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
	"github.com/malbeclabs/warehouse/tasks/pkg/task"
	"github.com/malbeclabs/warehouse/utils/pkg/logger"
	"github.com/malbeclabs/warehouse/warehouse/pkg/clickhouse"
	"github.com/malbeclabs/warehouse/warehouse/pkg/objectstore"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	pipelineFlag := flag.String("pipeline", "", "path to the pipeline file (or set WAREHOUSE_PIPELINE env var)")
	listenAddrFlag := flag.String("listen-addr", "", "address to serve health and metrics on while running (disabled when empty)")
	holdFlag := flag.Bool("hold", false, "keep serving health and metrics after the run until interrupted")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	clickhouseMaxExecutionTimeFlag := flag.Duration("clickhouse-max-execution-time", 10*time.Minute, "maximum execution time of a single query")
	pricePerTiBFlag := flag.Float64("price-per-tib", 0, "price of reading one TiB, used to report query cost")

	// Object storage configuration
	s3RegionFlag := flag.String("s3-region", "", "S3 region for extract and load (or set S3_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "S3 compatible endpoint, e.g. MinIO (or set S3_ENDPOINT env var)")
	s3PathStyleFlag := flag.Bool("s3-path-style", false, "use path style S3 addressing")

	flag.Parse()

	// A missing .env file is fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("WAREHOUSE_PIPELINE"); env != "" {
		*pipelineFlag = env
	}
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if envS3Region := os.Getenv("S3_REGION"); envS3Region != "" {
		*s3RegionFlag = envS3Region
	}
	if envS3Endpoint := os.Getenv("S3_ENDPOINT"); envS3Endpoint != "" {
		*s3EndpointFlag = envS3Endpoint
	}

	if *pipelineFlag == "" {
		return errors.New("--pipeline is required")
	}
	if *clickhouseAddrFlag == "" {
		return errors.New("--clickhouse-addr is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      env,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	file, err := pipeline.LoadFile(*pipelineFlag)
	if err != nil {
		return err
	}
	cfg, err := file.Config()
	if err != nil {
		return err
	}
	names, err := file.Registry()
	if err != nil {
		return err
	}

	clientCfg := clickhouse.ClientConfig{
		Addr:             *clickhouseAddrFlag,
		Username:         *clickhouseUsernameFlag,
		Password:         *clickhousePasswordFlag,
		Secure:           *clickhouseSecureFlag,
		MaxExecutionTime: *clickhouseMaxExecutionTimeFlag,
	}
	client, err := clickhouse.NewClient(ctx, log, clientCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	var store objectstore.Store
	if *s3RegionFlag != "" || *s3EndpointFlag != "" {
		store, err = objectstore.NewS3(ctx, objectstore.S3Config{
			Logger:       log,
			Region:       *s3RegionFlag,
			Endpoint:     *s3EndpointFlag,
			UsePathStyle: *s3PathStyleFlag,
		})
		if err != nil {
			return err
		}
	}

	op, err := clickhouse.New(clickhouse.Config{
		Logger:   log,
		Client:   client,
		Database: cfg.DatasetName,
		Migrations: clickhouse.MigrationConfig{
			Addr:     clientCfg.Addr,
			Username: clientCfg.Username,
			Password: clientCfg.Password,
			Secure:   clientCfg.Secure,
		},
		Store:       store,
		PricePerTiB: *pricePerTiBFlag,
		Settings:    clickhouse.Dialect.Settings,
	})
	if err != nil {
		return err
	}

	env, err := task.NewEnv(task.EnvConfig{
		Logger:   log,
		Conf:     cfg,
		Names:    names,
		Operator: op,
		Encoder:  sqlenc.New(clickhouse.Dialect),
	})
	if err != nil {
		return err
	}
	tasks, err := file.BuildTasks(env)
	if err != nil {
		return err
	}

	runner, err := pipeline.New(pipeline.Config{Logger: log, Env: env})
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if *listenAddrFlag != "" {
		srv, err := server.New(server.Config{
			Logger:      log,
			ListenAddr:  *listenAddrFlag,
			VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
			Runner:      runner,
		})
		if err != nil {
			return err
		}
		go func() {
			serverErr <- srv.Run(serverCtx)
		}()
	}

	if err := runner.Run(ctx, tasks); err != nil {
		sentry.CaptureException(err)
		return err
	}

	if *listenAddrFlag != "" && *holdFlag {
		log.Info("run completed, serving until interrupted", "listen_addr", *listenAddrFlag)
		<-ctx.Done()
	}
	stopServer()
	if *listenAddrFlag != "" {
		if err := <-serverErr; err != nil {
			log.Error("server stopped with error", "error", err)
		}
	}
	return nil
}
