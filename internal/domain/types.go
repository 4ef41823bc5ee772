package domain

import "time"

// Activity is a recurring command the server asked this agent to run.
type Activity struct {
	ID           string
	ServiceName  string
	ActivityName string
	Command      string
	Interval     int // seconds
}

// SameSchedule reports whether b would run the same command at the same cadence as a.
func (a Activity) SameSchedule(b Activity) bool {
	return a.Command == b.Command && a.Interval == b.Interval
}

type ExecutionResult struct {
	ActivityID string
	ReturnCode int
	Timestamp  time.Time
	Output     string
}

// Payload is the body posted to the data endpoint and the blob kept in the store.
type Payload struct {
	ReturnCode int    `json:"returnCode"`
	Timestamp  int64  `json:"timestamp"` // unix millis
	Data       string `json:"data"`
}

func (r ExecutionResult) Payload() Payload {
	return Payload{ReturnCode: r.ReturnCode, Timestamp: r.Timestamp.UnixMilli(), Data: r.Output}
}

type StoredResult struct {
	RowID      int64
	ActivityID string
	InsertedAt time.Time
	Result     []byte
}
