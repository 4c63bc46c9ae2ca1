package model

import "time"

// Chapter is a published chapter row. Pages holds the ordered storage keys;
// the row is created only after every page object is durably stored and is
// deleted wholesale on compensation, never partially updated.
type Chapter struct {
	ID                    string    `json:"id"`
	SeriesID              string    `json:"seriesId"`
	Number                float64   `json:"chapterNumber"`
	Title                 string    `json:"title"`
	Pages                 []string  `json:"pages"`
	TotalPages            int       `json:"totalPages"`
	CoverImageKey         string    `json:"coverImageKey,omitempty"`
	OrderingConfidence    float64   `json:"orderingConfidence"`
	RequiresManualReorder bool      `json:"requiresManualReorder"`
	CreatedAt             time.Time `json:"createdAt"`
}
