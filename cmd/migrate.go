package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/research-aggregator/internal/library/querylog"
	"github.com/Laisky/research-aggregator/internal/library/records"
	"github.com/Laisky/research-aggregator/internal/library/semindex"
	"github.com/Laisky/research-aggregator/library/db/postgres"
	"github.com/Laisky/research-aggregator/library/log"
)

var migrateCMD = &cobra.Command{
	Use:   "migrate",
	Short: "migrate",
	Long:  `create or upgrade the postgres schema`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := initialize(ctx, cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := runMigrate(cmd.Context()); err != nil {
			log.Logger.Panic("migrate", zap.Error(err))
		}
		log.Logger.Info("migration finished")
	},
}

func init() {
	rootCMD.AddCommand(migrateCMD)
}

func runMigrate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn := postgresDSN()
	if dsn == "" {
		return errors.New("settings.db.postgres is not configured")
	}

	pool, err := postgres.NewPool(ctx, dsn, nil)
	if err != nil {
		return errors.Wrap(err, "connect postgres")
	}
	defer pool.Close()

	if _, err = records.NewStore(ctx, pool, log.Logger.Named("record_store"), nil); err != nil {
		return errors.Wrap(err, "migrate records")
	}

	if semCfg := semindex.LoadSettingsFromConfig(); semCfg.Enabled {
		embedder := semindex.NewOpenAIEmbedder(semCfg.APIBase, semCfg.EmbeddingModel, &http.Client{Timeout: 30 * time.Second})
		if _, err = semindex.NewIndex(ctx, pool, embedder, semCfg, log.Logger.Named("semindex")); err != nil {
			return errors.Wrap(err, "migrate semantic index")
		}
	}

	sqlDB, err := postgres.NewDB(ctx, dsn)
	if err != nil {
		return errors.Wrap(err, "open query log database")
	}
	defer sqlDB.DB.Close() // nolint: errcheck

	if _, err = querylog.NewService(ctx, sqlDB.DB, log.Logger.Named("query_log"), nil); err != nil {
		return errors.Wrap(err, "migrate query log")
	}

	return nil
}
