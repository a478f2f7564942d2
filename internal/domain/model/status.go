// Пакет model — доменные модели индексатора.
//
// FileStatus — состояние индексации одного файла. Конечный автомат без
// терминальных состояний: из любого статуса допустим переход в любой
// другой через явную операцию mark*, неявных переходов нет.
package model

import (
	"fmt"
	"unicode/utf8"
)

// Status — односимвольный код статуса индексации (хранится в CHAR(1)).
type Status string

const (
	// StatusNew — файл ещё не индексировался (начальное и неявное состояние)
	StatusNew Status = "N"
	// StatusMetadataChanged — изменились только метаданные
	StatusMetadataChanged Status = "M"
	// StatusIndexed — документ записан во все коннекторы
	StatusIndexed Status = "I"
	// StatusSkipped — файл исключён фильтром (skipped_dirs и т.п.)
	StatusSkipped Status = "S"
	// StatusUnindexed — тип узла не индексируется
	StatusUnindexed Status = "U"
	// StatusVanished — файл больше не разрешается в узел
	StatusVanished Status = "V"
	// StatusError — ошибка индексации (или обработка прервана)
	StatusError Status = "E"
)

// MaxMessageLength — максимальная длина сообщения (VARCHAR(255)).
const MaxMessageLength = 255

// AllStatuses — все допустимые статусы в порядке объявления.
var AllStatuses = []Status{
	StatusNew, StatusMetadataChanged, StatusIndexed, StatusSkipped,
	StatusUnindexed, StatusVanished, StatusError,
}

// statusNames — человекочитаемые имена для логов и CLI.
var statusNames = map[Status]string{
	StatusNew:             "new",
	StatusMetadataChanged: "metadata_changed",
	StatusIndexed:         "indexed",
	StatusSkipped:         "skipped",
	StatusUnindexed:       "unindexed",
	StatusVanished:        "vanished",
	StatusError:           "error",
}

// Name возвращает имя статуса (new, indexed, ...).
func (s Status) Name() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Valid проверяет, является ли код допустимым статусом.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseStatus преобразует код из БД в Status.
func ParseStatus(code string) (Status, error) {
	s := Status(code)
	if !s.Valid() {
		return "", fmt.Errorf("недопустимый статус: %q, допустимые: N, M, I, S, U, V, E", code)
	}
	return s, nil
}

// FileStatus — запись о состоянии индексации файла.
type FileStatus struct {
	FileID  int64
	Status  Status
	Message string

	// persisted — строка уже существует в хранилище
	persisted bool
}

// NewFileStatus создаёт ещё не сохранённую запись со статусом New.
func NewFileStatus(fileID int64) *FileStatus {
	return &FileStatus{FileID: fileID, Status: StatusNew}
}

// LoadedFileStatus создаёт запись, прочитанную из хранилища.
func LoadedFileStatus(fileID int64, status Status, message string) *FileStatus {
	return &FileStatus{FileID: fileID, Status: status, Message: message, persisted: true}
}

// Persisted возвращает true, если строка уже записана в хранилище.
func (fs *FileStatus) Persisted() bool {
	return fs.persisted
}

// MarkPersisted отмечает запись как сохранённую.
func (fs *FileStatus) MarkPersisted() {
	fs.persisted = true
}

// Apply переводит запись в статус target с сообщением message.
// Возвращает true, если требуется запись в хранилище: поля изменились
// или строка ещё не сохранена.
func (fs *FileStatus) Apply(target Status, message string) bool {
	message = TruncateMessage(message)
	if fs.persisted && fs.Status == target && fs.Message == message {
		return false
	}
	fs.Status = target
	fs.Message = message
	return true
}

// TruncateMessage обрезает сообщение до MaxMessageLength символов.
func TruncateMessage(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxMessageLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxMessageLength])
}
