package sqliteq

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"fitsched/internal/queue"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(r scanner) (*queue.Job, error) {
	var (
		j                    queue.Job
		data                 []byte
		tags, state          string
		runAt, every, until  int64
		createdAt, updatedAt int64
		finishedAt           sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.Queue, &j.Name, &data, &tags, &state, &runAt, &every, &until,
		&j.Attempts, &j.LastError, &createdAt, &updatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		j.Data = json.RawMessage(data)
	}
	j.Tags = decodeTags(tags)
	j.State = queue.State(state)
	j.RunAt = time.UnixMilli(runAt).UTC()
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if every > 0 {
		j.Repeat = &queue.Repeat{Every: time.Duration(every) * time.Millisecond}
		if until > 0 {
			j.Repeat.Until = time.UnixMilli(until).UTC()
		}
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		j.FinishedAt = &t
	}
	return &j, nil
}

// Tags are stored as ",a,b," so a single tag matches with instr.
func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

func decodeTags(s string) []string {
	s = strings.Trim(s, ",")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func repeatArgs(r *queue.Repeat) (every, until int64) {
	if r == nil {
		return 0, 0
	}
	every = r.Every.Milliseconds()
	if !r.Until.IsZero() {
		until = r.Until.UnixMilli()
	}
	return every, until
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
