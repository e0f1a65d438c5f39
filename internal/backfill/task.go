package backfill

import "fmt"

// Task pages one channel's history backwards.
type Task struct {
	ChannelID string
	PageSize  int
	// MaxPages bounds the pages fetched; zero fetches until the start of
	// history.
	MaxPages int
}

func (t Task) String() string {
	return fmt.Sprintf("%s (page size %d)", t.ChannelID, t.PageSize)
}

type TaskResult struct {
	Task     Task
	Success  bool
	NotFound bool
	Pages    int
	Messages int
	// Complete is set when the start of history was reached.
	Complete bool
	Error    error
}
