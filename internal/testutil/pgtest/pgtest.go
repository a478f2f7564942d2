// Пакет pgtest — PostgreSQL в testcontainers для интеграционных тестов:
// миграции индексатора, минимальная схема ownCloud и хелперы фикстур.
package pgtest

import (
	"context"
	_ "embed"
	"log/slog"
	"os"
	"path"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/owncloud/search-elastic-sub000/internal/config"
	"github.com/owncloud/search-elastic-sub000/internal/database"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
)

//go:embed host_schema.sql
var hostSchema string

// DB — подготовленная тестовая база.
type DB struct {
	Pool   *pgxpool.Pool
	Config *config.Config
	t      *testing.T
}

// Start поднимает контейнер PostgreSQL или пропускает тест,
// если TEST_INTEGRATION не установлена.
func Start(t *testing.T) *DB {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("owncloud_test"),
		postgres.WithUsername("owncloud"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("SI_DB_HOST", host)
	t.Setenv("SI_DB_PORT", port.Port())
	t.Setenv("SI_DB_NAME", "owncloud_test")
	t.Setenv("SI_DB_USER", "owncloud")
	t.Setenv("SI_DB_PASSWORD", "test-password")
	t.Setenv("SI_DB_SSL_MODE", "disable")
	t.Setenv("SI_ES_URL", "http://localhost:9200")
	t.Setenv("SI_DATA_DIR", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, hostSchema); err != nil {
		t.Fatalf("Ошибка создания схемы ownCloud: %v", err)
	}

	return &DB{Pool: pool, Config: cfg, t: t}
}

// Exec выполняет SQL и завершает тест при ошибке.
func (db *DB) Exec(sql string, args ...any) {
	db.t.Helper()
	if _, err := db.Pool.Exec(context.Background(), sql, args...); err != nil {
		db.t.Fatalf("Exec(%q): %v", sql, err)
	}
}

// AddStorage создаёт хранилище и возвращает его numeric_id.
func (db *DB) AddStorage(key string) int64 {
	db.t.Helper()
	var id int64
	err := db.Pool.QueryRow(context.Background(),
		`INSERT INTO oc_storages (id) VALUES ($1) RETURNING numeric_id`, key).Scan(&id)
	if err != nil {
		db.t.Fatalf("AddStorage(%q): %v", key, err)
	}
	return id
}

// mimeID возвращает id mimetype, создавая запись при необходимости.
func (db *DB) mimeID(mime string) int64 {
	db.t.Helper()
	var id int64
	err := db.Pool.QueryRow(context.Background(),
		`INSERT INTO oc_mimetypes (mimetype) VALUES ($1)
		 ON CONFLICT (mimetype) DO UPDATE SET mimetype = EXCLUDED.mimetype
		 RETURNING id`, mime).Scan(&id)
	if err != nil {
		db.t.Fatalf("mimeID(%q): %v", mime, err)
	}
	return id
}

// AddFolder создаёт каталог в хранилище и возвращает fileid.
func (db *DB) AddFolder(storage int64, internalPath string, parent int64) int64 {
	return db.addEntry(storage, internalPath, parent, model.FolderMimeType, 0)
}

// AddFile создаёт файл в хранилище и возвращает fileid.
func (db *DB) AddFile(storage int64, internalPath string, parent int64, mime string, size int64) int64 {
	return db.addEntry(storage, internalPath, parent, mime, size)
}

func (db *DB) addEntry(storage int64, internalPath string, parent int64, mime string, size int64) int64 {
	db.t.Helper()
	name := path.Base(internalPath)
	if internalPath == "" {
		name = ""
	}
	var id int64
	err := db.Pool.QueryRow(context.Background(),
		`INSERT INTO oc_filecache (storage, path, parent, name, mimetype, size, mtime)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING fileid`,
		storage, internalPath, parent, name, db.mimeID(mime), size, time.Now().Unix(),
	).Scan(&id)
	if err != nil {
		db.t.Fatalf("addEntry(%q): %v", internalPath, err)
	}
	return id
}

// AddMount монтирует хранилище пользователю.
func (db *DB) AddMount(storage, rootID int64, user, mountPoint string) {
	db.t.Helper()
	db.Exec(`INSERT INTO oc_mounts (storage_id, root_id, user_id, mount_point) VALUES ($1, $2, $3, $4)`,
		storage, rootID, user, mountPoint)
}

// AddShare создаёт шару (0 — пользователю, 1 — группе).
func (db *DB) AddShare(shareType int, with, owner string, fileID int64) {
	db.t.Helper()
	db.Exec(`INSERT INTO oc_share (share_type, share_with, uid_owner, file_source, stime) VALUES ($1, $2, $3, $4, $5)`,
		shareType, with, owner, fileID, time.Now().Unix())
}

// AddGroupUser добавляет пользователя в группу.
func (db *DB) AddGroupUser(gid, uid string) {
	db.t.Helper()
	db.Exec(`INSERT INTO oc_group_user (gid, uid) VALUES ($1, $2)`, gid, uid)
}

// Home — домашнее хранилище пользователя с корнем и каталогом files.
type Home struct {
	StorageID int64
	RootID    int64
	FilesID   int64
}

// AddHome создаёт home::<user> с корнем, каталогом files и точкой монтирования /<user>/.
func (db *DB) AddHome(user string) Home {
	db.t.Helper()
	storage := db.AddStorage("home::" + user)
	root := db.AddFolder(storage, "", -1)
	files := db.AddFolder(storage, "files", root)
	db.AddMount(storage, root, user, "/"+user+"/")
	return Home{StorageID: storage, RootID: root, FilesID: files}
}
