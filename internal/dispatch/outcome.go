package dispatch

import "time"

// Tick statuses, also used as the metrics outcome label.
const (
	StatusOK               = "ok"
	StatusFetchError       = "fetch_error"
	StatusPersistenceError = "persistence_error"
)

// Outcome summarises one tick.
type Outcome struct {
	TickID     string    `json:"tick_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Fetched   int `json:"fetched"`
	Swept     int `json:"swept"`
	Eligible  int `json:"eligible"`
	Reserved  int `json:"reserved"`
	Conflicts int `json:"conflicts"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Processed int `json:"processed"`
	Pruned    int `json:"pruned"`
}

// Duration is the wall time of the tick.
func (o Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}
