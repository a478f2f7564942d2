package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/owncloud/search-elastic-sub000/internal/api/handlers"
	"github.com/owncloud/search-elastic-sub000/internal/api/middleware"
	"github.com/owncloud/search-elastic-sub000/internal/config"
	"github.com/owncloud/search-elastic-sub000/internal/database"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/repository"
	"github.com/owncloud/search-elastic-sub000/internal/server"
	"github.com/owncloud/search-elastic-sub000/internal/service"
	"github.com/owncloud/search-elastic-sub000/internal/settings"
)

// withApp собирает зависимости и выполняет fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// forEachUser выполняет fn для пользователей параллельно (SI_CONCURRENCY).
// Ошибка одного пользователя не прерывает остальных; итоговая ошибка
// перечисляет всех неуспешных.
func forEachUser(ctx context.Context, a *app, users []string, fn func(ctx context.Context, userID string) error) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	for _, userID := range users {
		g.Go(func() error {
			err := fn(gctx, userID)
			if err == nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Error("Ошибка обработки пользователя",
				slog.String("user", userID),
				slog.String("error", err.Error()),
			)
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", userID, err))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func printBatch(w io.Writer, userID string, r service.BatchResult) {
	fmt.Fprintf(w, "%s: обработано %d, проиндексировано %d, пропущено %d, не индексируется %d, исчезло %d, ошибок %d\n",
		userID, r.Processed,
		r.Counts[model.OutcomeIndexed],
		r.Counts[model.OutcomeSkipped],
		r.Counts[model.OutcomeNotIndexed],
		r.Counts[model.OutcomeVanished],
		r.Counts[model.OutcomeError],
	)
}

// --- serve ---

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTP API поиска и фоновые задания сверки индекса",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, runServe)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("Индексатор запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// pgxpool как *sql.DB: проверка PostgreSQL идёт через общий пул.
	pgDB := stdlib.OpenDBFromPool(a.pool)
	defer pgDB.Close()

	dephealthSvc, err := service.NewDephealthService(service.DephealthOptions{
		ServiceID:     "search-indexer",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PGConnURL:     cfg.DatabaseURL("postgres"),
		ESURL:         cfg.ESURL,
		CheckInterval: cfg.DephealthCheckInterval,
		IsEntry:       cfg.DephealthIsEntry,
	}, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
	} else {
		defer dephealthSvc.Stop()
	}

	if _, err := a.hub.PrepareWriteIndexes(ctx, false); err != nil {
		logger.Warn("Индексы коннекторов не готовы", slog.String("error", err.Error()))
	}

	var jobsState handlers.JobsState
	if cfg.JobsEnabled {
		scheduler := service.NewScheduler(a.jobs, cfg.JobsInterval, logger)
		scheduler.Start(ctx)
		defer scheduler.Stop()
		jobsState = scheduler
	} else {
		logger.Info("Фоновые задания отключены (SI_JOBS_ENABLED=false)")
	}

	var jwtAuth *middleware.JWTAuth
	if cfg.JWKSURL != "" {
		jwtAuth, err = middleware.NewJWTAuth(middleware.AuthOptions{
			JWKSURL:         cfg.JWKSURL,
			CACertPath:      cfg.JWKSCACertPath,
			Issuer:          cfg.JWTIssuer,
			UserClaim:       cfg.JWTUserClaim,
			AdminGroups:     cfg.AdminGroups,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			Leeway:          cfg.JWTLeeway,
		}, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("SI_JWKS_URL не задан, API поиска не поднимается")
	}

	searchSvc := service.NewSearchService(a.hub, a.catalog, service.SearchOptions{
		PageSize:  cfg.SearchPageSize,
		MaxRounds: cfg.SearchMaxRounds,
		WebURL:    cfg.WebURL,
	}, logger)

	health := handlers.NewHealthHandler(database.NewReadinessChecker(a.pool, a.cfg.DBTablePrefix), a.hub)
	api := handlers.NewAPIHandler(searchSvc, a.hub, a.status, jobsState, cfg.SearchPageSize, logger)
	router := server.NewRouter(logger, health, api, jwtAuth)

	if err := server.New(cfg, logger, router).Run(ctx); err != nil {
		return err
	}
	logger.Info("Индексатор остановлен")
	return nil
}

// --- create-initial-index ---

func newCreateInitialIndexCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "create-initial-index [users...]",
		Short: "Создать индексы и проиндексировать файлы пользователей",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case all && len(args) > 0:
				return errors.New("--all нельзя сочетать со списком пользователей")
			case !all && len(args) == 0:
				return errors.New("укажите пользователей или --all")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.hub.PrepareWriteIndexes(ctx, false); err != nil {
					return err
				}
				users := args
				if all {
					var err error
					if users, err = a.catalog.Users(ctx); err != nil {
						return err
					}
				}
				return rebuildUsers(ctx, a, cmd.OutOrStdout(), users)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "все пользователи")
	return cmd
}

// --- rebuild-index ---

func newRebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index users...",
		Short: "Сбросить статусы файлов пользователей и проиндексировать заново",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return rebuildUsers(ctx, a, cmd.OutOrStdout(), args)
			})
		},
	}
}

func rebuildUsers(ctx context.Context, a *app, out io.Writer, users []string) error {
	var mu sync.Mutex
	return forEachUser(ctx, a, users, func(ctx context.Context, userID string) error {
		result, err := a.indexing.RebuildUserIndex(ctx, userID)
		mu.Lock()
		printBatch(out, userID, result)
		mu.Unlock()
		return err
	})
}

// --- reset-index ---

func newMarkChangedCmd() *cobra.Command {
	var metadata bool
	cmd := &cobra.Command{
		Use:   "mark-changed fileids...",
		Short: "Поставить изменённые файлы в очередь индексации",
		Long: "Вызывается хостом при изменении файлов. Файлы будут обработаны\n" +
			"следующим update-pending-jobs или фоновым заданием.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseFileIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.indexing.MarkChanged(ctx, ids, metadata)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Поставлено в очередь: %d из %d\n", n, len(ids))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&metadata, "metadata", false, "изменились только метаданные (имя, путь, шары)")
	return cmd
}

// parseFileIDs разбирает file id из аргументов командной строки.
func parseFileIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("некорректный file id: %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newResetIndexCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset-index",
		Short: "Пересоздать индексы и очистить статусы индексации",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
					"Все индексы будут удалены и созданы заново, статусы файлов очищены. Продолжить? [y/N] ")
				if err != nil {
					return err
				}
				if !ok {
					return errAborted
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.hub.RecreateIndexes(ctx); err != nil {
					return err
				}
				var cleared int64
				err := a.tx.RunInTx(ctx, func(tx pgx.Tx) error {
					var err error
					cleared, err = repository.NewStatusStore(tx, a.cfg.DBTablePrefix).Clear(ctx)
					return err
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Индексы пересозданы, удалено статусов: %d\n", cleared)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "не запрашивать подтверждение")
	return cmd
}

// confirm читает ответ оператора; согласием считаются y и yes.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// --- update-pending-jobs ---

func newUpdatePendingJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-pending-jobs [users...]",
		Short: "Выполнить ожидающие задания индексации (все пользователи по умолчанию)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.jobs.UpdatePending(ctx, args)
				if report != nil {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Запуск %s: пользователей %d, удалено исчезнувших %d\n",
						report.RunID, report.Users, report.Deleted)
					printBatch(out, "итого", report.Result)
					if len(report.Busy) > 0 {
						fmt.Fprintf(out, "Заняты другим процессом: %s\n", strings.Join(report.Busy, ", "))
					}
				}
				if err != nil {
					return err
				}
				if len(report.Failed) > 0 {
					return fmt.Errorf("задания завершились ошибкой для пользователей: %s", strings.Join(report.Failed, ", "))
				}
				return nil
			})
		},
	}
}

// --- fill-secondary-index ---

func newFillSecondaryIndexCmd() *cobra.Command {
	var opts service.FillOptions
	cmd := &cobra.Command{
		Use:   "fill-secondary-index connector users...",
		Short: "Перенести проиндексированные файлы пользователей в индекс другого коннектора",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ChunkSize < 1 {
				return errors.New("--chunk-size должен быть >= 1")
			}
			connectorName, users := args[0], args[1:]
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var mu sync.Mutex
				return forEachUser(ctx, a, users, func(ctx context.Context, userID string) error {
					n, err := a.indexing.FillSecondaryIndex(ctx, connectorName, userID, opts)
					mu.Lock()
					fmt.Fprintf(cmd.OutOrStdout(), "%s: перенесено в %s: %d\n", userID, connectorName, n)
					mu.Unlock()
					return err
				})
			})
		},
	}
	cmd.Flags().IntVar(&opts.ChunkSize, "chunk-size", 500, "количество файлов за одну выборку")
	cmd.Flags().BoolVar(&opts.StartOver, "start-over", false, "начать заново, игнорируя сохранённую позицию")
	return cmd
}

// --- status ---

func newStatusCmd() *cobra.Command {
	var withStats bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Состояние кластера, коннекторов и статусов индексации",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				defer w.Flush()

				health, err := a.es.ClusterHealth(ctx)
				if err != nil {
					health = "недоступен: " + err.Error()
				}
				fmt.Fprintf(w, "Elasticsearch\t%s\t%s\n", a.es.URL(), health)

				connectors, err := a.hub.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "\nКоннектор\tРоль\tСостояние")
				for _, c := range connectors {
					state := c.State
					if c.Error != "" {
						state += " (" + c.Error + ")"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Role, state)
				}

				counts, err := a.status.CountByStatus(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "\nСтатус\tКод\tФайлов")
				for _, st := range model.AllStatuses {
					fmt.Fprintf(w, "%s\t%s\t%d\n", st.Name(), st, counts[st])
				}

				if !withStats {
					return nil
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(a.hub.GetStats(ctx))
			})
		},
	}
	cmd.Flags().BoolVar(&withStats, "stats", false, "вывести статистику индексов (search-коннектор первым)")
	return cmd
}

// --- settings ---

func newSettingsCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Просмотр и изменение настроек индексации",
	}

	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Показать настройку (без ключа — все настройки)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := settings.Keys()
			if len(args) == 1 {
				keys = args
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				defer w.Flush()
				for _, key := range keys {
					if key == settings.KeySkippedDirs && userID == "" && len(args) == 0 {
						continue
					}
					value, err := a.settings.Get(ctx, userID, key)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%s\n", key, value)
				}
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set key value",
		Short: "Изменить настройку",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.settings.Set(ctx, userID, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
				return nil
			})
		},
	}

	cmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "пользователь (для skipped_dirs)")
	cmd.AddCommand(get, set)
	return cmd
}
