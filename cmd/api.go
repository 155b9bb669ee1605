package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Laisky/research-aggregator/internal/library/llm"
	"github.com/Laisky/research-aggregator/internal/library/querylog"
	"github.com/Laisky/research-aggregator/internal/library/records"
	"github.com/Laisky/research-aggregator/internal/library/semindex"
	"github.com/Laisky/research-aggregator/internal/library/summary"
	"github.com/Laisky/research-aggregator/internal/web"
	"github.com/Laisky/research-aggregator/library/db/postgres"
	rlibs "github.com/Laisky/research-aggregator/library/db/redis"
	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/throttle"
)

const drainTimeout = 30 * time.Second

var apiCMD = &cobra.Command{
	Use:   "api",
	Short: "api",
	Long:  `HTTP API of the research aggregator`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := initialize(ctx, cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := runAPI(ctx, gconfig.Shared.GetString("listen")); err != nil {
			log.Logger.Panic("run api", zap.Error(err))
		}
	},
}

func init() {
	rootCMD.AddCommand(apiCMD)
}

// runAPI wires every component and serves until ctx is done.
// Optional backends are skipped when their settings are absent.
func runAPI(ctx context.Context, addr string) error {
	get := configGetter(func(key string) any { return gconfig.S.Get(key) })
	aggCfg := loadAggregatorSettings(get)

	var (
		closers      []func(context.Context)
		coordOpts    = aggCfg.coordinatorOptions()
		webOpts      []web.Option
		deadLetters  records.DeadLetters
		retriever    summary.Retriever
		retrieverTop int
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](shutdownCtx)
		}
	}()

	// redis: result cache and dead letters
	if redisAddr := gconfig.S.GetString("settings.db.redis.addr"); redisAddr != "" {
		rdb := rlibs.NewDB(&redis.Options{
			Addr:     redisAddr,
			Password: gconfig.S.GetString("settings.db.redis.password"),
			DB:       gconfig.S.GetInt("settings.db.redis.db"),
		})
		if err := rdb.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping redis")
		}
		closers = append(closers, func(context.Context) {
			if err := rdb.Close(); err != nil {
				log.Logger.Warn("close redis", zap.Error(err))
			}
		})

		coordOpts = append(coordOpts, search.WithCache(rlibs.NewResultCache(rdb, aggCfg.CacheTTL)))
		deadLetters = rdb
	}

	// postgres: records, semantic index and query log
	if dsn := postgresDSN(); dsn != "" {
		pool, err := postgres.NewPool(ctx, dsn, log.Logger.Named("postgres"))
		if err != nil {
			return errors.Wrap(err, "connect postgres")
		}
		closers = append(closers, func(context.Context) { pool.Close() })

		store, err := records.NewStore(ctx, pool, log.Logger.Named("record_store"), nil)
		if err != nil {
			return errors.Wrap(err, "new record store")
		}
		webOpts = append(webOpts, web.WithRecordReader(store))

		sinkOpts := []records.SinkOption{records.WithSinkLogger(log.Logger.Named("sink"))}
		semCfg := semindex.LoadSettingsFromConfig()
		if semCfg.Enabled && semCfg.APIKey != "" {
			embedder := semindex.NewOpenAIEmbedder(semCfg.APIBase, semCfg.EmbeddingModel, &http.Client{Timeout: 30 * time.Second})
			index, err := semindex.NewIndex(ctx, pool, embedder, semCfg, log.Logger.Named("semindex"))
			if err != nil {
				return errors.Wrap(err, "new semantic index")
			}
			sinkOpts = append(sinkOpts, records.WithIndexer(index))
			retriever, retrieverTop = index, semCfg.TopK
		}

		queueCfg := loadQueueSettings(get)
		queueOpts := append(queueCfg.queueOptions(), records.WithQueueLogger(log.Logger.Named("sink_queue")))
		if deadLetters != nil {
			queueOpts = append(queueOpts, records.WithDeadLetters(deadLetters))
		}
		queue, err := records.NewQueue(records.NewSink(store, sinkOpts...), queueOpts...)
		if err != nil {
			return errors.Wrap(err, "new sink queue")
		}
		closers = append(closers, func(ctx context.Context) {
			if err := queue.Close(ctx); err != nil {
				log.Logger.Warn("drain sink queue", zap.Error(err), zap.Int("pending", queue.Pending()))
			}
		})
		coordOpts = append(coordOpts, search.WithSink(queue))

		sqlDB, err := postgres.NewDB(ctx, dsn)
		if err != nil {
			return errors.Wrap(err, "open query log database")
		}
		closers = append(closers, func(context.Context) { _ = sqlDB.DB.Close() })
		queryLog, err := querylog.NewService(ctx, sqlDB.DB, log.Logger.Named("query_log"), nil)
		if err != nil {
			return errors.Wrap(err, "new query log")
		}
		recorder, err := querylog.NewRecorder(queryLog, querylog.WithRecorderLogger(log.Logger.Named("query_log")))
		if err != nil {
			return errors.Wrap(err, "new query log recorder")
		}
		closers = append(closers, func(ctx context.Context) {
			if err := recorder.Close(ctx); err != nil {
				log.Logger.Warn("drain query log recorder", zap.Error(err))
			}
		})
		webOpts = append(webOpts, web.WithQueryLogger(recorder))
	} else {
		log.Logger.Warn("postgres is not configured, records will not be persisted")
	}

	// generation backend
	if llmCfg := llm.LoadSettingsFromConfig(); llmCfg.APIKey != "" {
		helper := llm.NewResponsesHelper(llmCfg.APIBase, llmCfg.Timeout, nil)
		generator, err := llm.NewGenerator(helper, llmCfg, summary.SystemInstructions)
		if err != nil {
			return errors.Wrap(err, "new generator")
		}
		summaryOpts := []summary.Option{summary.WithLogger(log.Logger.Named("summary"))}
		if retriever != nil {
			summaryOpts = append(summaryOpts, summary.WithRetriever(retriever, retrieverTop))
		}
		synthesizer, err := summary.New(generator, summaryOpts...)
		if err != nil {
			return errors.Wrap(err, "new synthesizer")
		}
		webOpts = append(webOpts, web.WithSummarizer(synthesizer))
	} else {
		log.Logger.Warn("llm api key is not configured, summary endpoints are disabled")
	}

	providers := buildProviders(loadProviderSettings(get))
	coordinator, err := search.NewCoordinator(providers, coordOpts...)
	if err != nil {
		return errors.Wrap(err, "new coordinator")
	}
	log.Logger.Info("providers registered", zap.Strings("providers", coordinator.Providers()))

	if throttleCfg, ok := loadThrottleConfig(get); ok {
		limiter, err := throttle.New(throttleCfg)
		if err != nil {
			return errors.Wrap(err, "new request throttle")
		}
		webOpts = append(webOpts, web.WithThrottle(limiter))
	}

	webOpts = append(webOpts,
		web.WithLogger(log.Logger.Named("web")),
		web.WithAllowedOrigins(gconfig.S.GetStringSlice("settings.web.cors_allowed_hosts")),
	)
	server, err := web.NewServer(coordinator, webOpts...)
	if err != nil {
		return errors.Wrap(err, "new web server")
	}

	return server.Run(ctx, addr)
}

// postgresDSN prefers an explicit dsn and falls back to the dial settings.
func postgresDSN() string {
	if dsn := gconfig.S.GetString("settings.db.postgres.dsn"); dsn != "" {
		return dsn
	}
	addr := gconfig.S.GetString("settings.db.postgres.addr")
	if addr == "" {
		return ""
	}
	return postgres.BuildDSN(postgres.DialInfo{
		Addr:   addr,
		DBName: gconfig.S.GetString("settings.db.postgres.db"),
		User:   gconfig.S.GetString("settings.db.postgres.user"),
		Pwd:    gconfig.S.GetString("settings.db.postgres.pwd"),
	})
}
