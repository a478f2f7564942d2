package model

// OutcomeKind — результат обработки одного файла в пакете индексации.
type OutcomeKind int

const (
	OutcomeIndexed OutcomeKind = iota
	OutcomeVanished
	OutcomeNotIndexed
	OutcomeSkipped
	OutcomeError
)

// outcomeNames — имена для метрик и логов.
var outcomeNames = map[OutcomeKind]string{
	OutcomeIndexed:    "indexed",
	OutcomeVanished:   "vanished",
	OutcomeNotIndexed: "not_indexed",
	OutcomeSkipped:    "skipped",
	OutcomeError:      "error",
}

func (k OutcomeKind) String() string {
	if n, ok := outcomeNames[k]; ok {
		return n
	}
	return "unknown"
}

// Outcome — размеченное объединение Indexed | Vanished | NotIndexed |
// Skipped(reason) | Error(message). Message заполнен для Vanished,
// Skipped и Error.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

// Indexed — файл успешно проиндексирован.
func Indexed() Outcome { return Outcome{Kind: OutcomeIndexed} }

// Vanished — файл не разрешается в узел.
func Vanished(msg string) Outcome { return Outcome{Kind: OutcomeVanished, Message: msg} }

// NotIndexed — тип узла не индексируется.
func NotIndexed() Outcome { return Outcome{Kind: OutcomeNotIndexed} }

// Skipped — файл исключён с указанной причиной.
func Skipped(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Message: reason} }

// Failed — ошибка индексации.
func Failed(msg string) Outcome { return Outcome{Kind: OutcomeError, Message: msg} }

// TargetStatus возвращает статус, который записывается для результата.
func (o Outcome) TargetStatus() Status {
	switch o.Kind {
	case OutcomeIndexed:
		return StatusIndexed
	case OutcomeVanished:
		return StatusVanished
	case OutcomeNotIndexed:
		return StatusUnindexed
	case OutcomeSkipped:
		return StatusSkipped
	default:
		return StatusError
	}
}
