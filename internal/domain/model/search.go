package model

// SearchResult — результат поиска, приведённый к модели узлов ownCloud.
type SearchResult struct {
	ID          int64    `json:"id"`
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	Size        int64    `json:"size"`
	Score       float64  `json:"score"`
	MimeType    string   `json:"mime_type"`
	Type        string   `json:"type"`
	Link        string   `json:"link"`
	Permissions int      `json:"permissions"`
	MTime       int64    `json:"mtime"`
	Highlights  []string `json:"highlights,omitempty"`
}

// SearchPage — страница результатов поиска.
// Total — число совпадений по данным бэкенда (включая отброшенные),
// NextCursor — позиция курсора бэкенда для следующего запроса.
type SearchPage struct {
	Results    []SearchResult `json:"results"`
	Total      int64          `json:"total"`
	Cursor     int            `json:"cursor"`
	NextCursor int            `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
	Dropped    int            `json:"dropped"`
}
