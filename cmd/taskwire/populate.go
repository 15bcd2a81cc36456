package main

import (
	"context"
	"fmt"
	"time"

	"github.com/taskwire/taskwire/cache"
	"github.com/taskwire/taskwire/counters"
	"github.com/taskwire/taskwire/models"
	"github.com/taskwire/taskwire/store"
	"github.com/taskwire/taskwire/util/cliutil"

	"github.com/brianvoe/gofakeit/v6"
	cli "github.com/urfave/cli/v2"
)

var populateCmd = &cli.Command{
	Name:  "populate",
	Usage: "seed the database with fake tasks and rebuild the cache index",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "count",
			Usage: "number of tasks to create",
			Value: 500,
		},
		&cli.Float64Flag{
			Name:  "expiring-fraction",
			Usage: "fraction of tasks given a future expiry",
			Value: 0.2,
		},
		&cli.BoolFlag{
			Name:  "skip-index",
			Usage: "do not rebuild the redis ordering index after seeding",
		},
		&cli.DurationFlag{
			Name:    "max-task-ttl",
			Value:   time.Hour,
			EnvVars: []string{"TASKWIRE_MAX_TASK_TTL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel: cctx.String("log-level"),
		})
		if err != nil {
			return err
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		st, err := store.NewStore(db)
		if err != nil {
			return err
		}

		ctx := context.Background()
		count := cctx.Int("count")
		expiring := cctx.Float64("expiring-fraction")

		// spread creation times over the past month so pages are not one
		// undifferentiated burst
		now := time.Now()
		for i := 0; i < count; i++ {
			task := &models.Task{
				Title:       gofakeit.Sentence(4),
				Description: gofakeit.Paragraph(1, 2, 8, " "),
				Completed:   gofakeit.Bool(),
				CreatedAt:   now.Add(-time.Duration(gofakeit.IntRange(0, 30*24*3600)) * time.Second),
			}
			if gofakeit.Float64() < expiring {
				exp := now.Add(time.Duration(gofakeit.IntRange(600, 7*24*3600)) * time.Second)
				task.ExpiresAt = &exp
			}
			if err := st.CreateTask(ctx, task); err != nil {
				return fmt.Errorf("seeding task %d: %w", i, err)
			}
		}
		logger.Info("seeded tasks", "count", count)

		// keep the lifetime counter consistent with the rows we just added
		prev, err := st.GetCounter(ctx, counters.TasksCreated.String())
		if err != nil {
			return err
		}
		if err := st.SetCounter(ctx, counters.TasksCreated.String(), prev+int64(count)); err != nil {
			return err
		}

		if cctx.Bool("skip-index") {
			return nil
		}

		tc, err := cache.NewRedisTaskCache(cctx.String("redis-url"), cctx.Duration("max-task-ttl"))
		if err != nil {
			logger.Warn("redis unreachable, skipping index rebuild", "err", err)
			return nil
		}
		refs, err := st.ListActiveTaskRefs(ctx, time.Now())
		if err != nil {
			return err
		}
		entries := make([]cache.IndexEntry, 0, len(refs))
		for _, ref := range refs {
			entries = append(entries, cache.IndexEntry{ID: ref.ID, CreatedAt: ref.CreatedAt})
		}
		if err := tc.RebuildIndex(ctx, entries); err != nil {
			return err
		}
		logger.Info("ordering index rebuilt", "entries", len(entries))
		return nil
	},
}
