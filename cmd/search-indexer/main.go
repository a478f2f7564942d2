// Точка входа индексатора ownCloud в Elasticsearch.
// Команды CLI (cobra) выполняют разовые операции над индексом,
// команда serve поднимает HTTP API и фоновые задания сверки.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/owncloud/search-elastic-sub000/internal/config"
)

// errAborted — оператор отказался подтверждать операцию.
var errAborted = errors.New("операция отменена")

func main() {
	// .env не обязателен: в кластере переменные задаются окружением.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Ошибка чтения .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "search-indexer",
		Short:        "Полнотекстовый индекс файлов ownCloud в Elasticsearch",
		Version:      config.Version,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCreateInitialIndexCmd(),
		newRebuildIndexCmd(),
		newResetIndexCmd(),
		newMarkChangedCmd(),
		newUpdatePendingJobsCmd(),
		newFillSecondaryIndexCmd(),
		newStatusCmd(),
		newSettingsCmd(),
	)
	return root
}
