package cmd

import (
	"context"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Laisky/research-aggregator/internal/library/records"
	"github.com/Laisky/research-aggregator/library/db/postgres"
	rlibs "github.com/Laisky/research-aggregator/library/db/redis"
	"github.com/Laisky/research-aggregator/library/log"
)

var replayCMD = &cobra.Command{
	Use:   "replay",
	Short: "replay",
	Long:  `write parked dead-letter batches into postgres`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := initialize(ctx, cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		batch := gconfig.Shared.GetInt("batch")
		replayed, parked, err := runReplay(ctx, batch)
		if err != nil {
			log.Logger.Panic("replay dead letters", zap.Error(err))
		}
		log.Logger.Info("dead letters replayed",
			zap.Int("replayed", replayed),
			zap.Int("parked_again", parked))
	},
}

func init() {
	replayCMD.Flags().Int("batch", 32, "dead letters popped per round")
	rootCMD.AddCommand(replayCMD)
}

// DeadLetterStore pops and parks dead-letter batches.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, job *rlibs.DeadLetter) error
	PopDeadLetters(ctx context.Context, n int) ([]*rlibs.DeadLetter, error)
}

func runReplay(ctx context.Context, batch int) (replayed, parked int, err error) {
	redisAddr := gconfig.S.GetString("settings.db.redis.addr")
	dsn := postgresDSN()
	if redisAddr == "" || dsn == "" {
		return 0, 0, errors.New("both settings.db.redis and settings.db.postgres are required")
	}

	rdb := rlibs.NewDB(&redis.Options{
		Addr:     redisAddr,
		Password: gconfig.S.GetString("settings.db.redis.password"),
		DB:       gconfig.S.GetInt("settings.db.redis.db"),
	})
	defer rdb.Close() // nolint: errcheck

	pool, err := postgres.NewPool(ctx, dsn, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "connect postgres")
	}
	defer pool.Close()

	store, err := records.NewStore(ctx, pool, log.Logger.Named("record_store"), nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "new record store")
	}

	return replayDeadLetters(ctx, rdb, records.NewSink(store), batch)
}

// replayDeadLetters drains store once. Batches that fail again are parked
// after the drain so one round never pops them twice.
func replayDeadLetters(ctx context.Context, store DeadLetterStore, upserter records.Upserter, batch int) (replayed, parked int, err error) {
	if batch <= 0 {
		batch = 32
	}

	var failed []*rlibs.DeadLetter
	for {
		jobs, err := store.PopDeadLetters(ctx, batch)
		if err != nil {
			return replayed, parked, errors.Wrap(err, "pop dead letters")
		}
		if len(jobs) == 0 {
			break
		}

		for _, job := range jobs {
			if _, err := upserter.Upsert(ctx, job.Records); err != nil {
				log.Logger.Warn("replay dead letter",
					zap.String("job", job.JobID),
					zap.Error(err))
				job.Attempts++
				job.LastError = err.Error()
				failed = append(failed, job)
				continue
			}
			replayed++
		}
	}

	for _, job := range failed {
		if err := store.AddDeadLetter(ctx, job); err != nil {
			return replayed, parked, errors.Wrapf(err, "park dead letter %s", job.JobID)
		}
		parked++
	}

	return replayed, parked, nil
}
