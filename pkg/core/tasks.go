package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Direction is the order in which a sub-task walks its days.
type Direction string

const (
	DirectionBackward Direction = "backward" // newest day first
	DirectionForward  Direction = "forward"  // oldest day first
)

// Well-known task keys.
const (
	TaskRecent     = "recent"
	TaskHistorical = "historical"
	TaskDaily      = "daily"
)

// SubTask is one independently resumable slice of a collection job.
type SubTask struct {
	Direction Direction `json:"direction"`
	Days      int       `json:"days"`
	Offset    int       `json:"offset"`
	Status    JobStatus `json:"status"`
	Progress  float64   `json:"progress"`
}

// Validate checks the sub-task's shape.
func (s SubTask) Validate() error {
	if s.Direction != DirectionBackward && s.Direction != DirectionForward {
		return fmt.Errorf("%w: direction %q", ErrInvalidParams, s.Direction)
	}
	if s.Days < 0 || s.Offset < 0 {
		return fmt.Errorf("%w: negative days or offset", ErrInvalidParams)
	}
	if s.Progress < 0 || s.Progress > 100 {
		return fmt.Errorf("%w: progress %.2f out of range", ErrInvalidParams, s.Progress)
	}
	switch s.Status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
	default:
		return fmt.Errorf("%w: sub-task status %q", ErrInvalidParams, s.Status)
	}
	return nil
}

// ResumeIndex is the step a restarted worker continues from.
func (s SubTask) ResumeIndex() int {
	idx := int(math.Floor(s.Progress * float64(s.Days) / 100))
	if idx < 0 {
		return 0
	}
	if idx > s.Days {
		return s.Days
	}
	return idx
}

// StepProgress is the progress percentage after doneSteps units of work.
func (s SubTask) StepProgress(doneSteps int) float64 {
	if s.Days <= 0 {
		return 100
	}
	return RoundProgress(float64(doneSteps) * 100 / float64(s.Days))
}

// RoundProgress rounds a percentage to two decimals.
func RoundProgress(p float64) float64 {
	return math.Round(p*100) / 100
}

// TaskMap is an insertion-ordered map from task key to sub-task.
// It serializes as a JSON object and keeps key order across round trips.
type TaskMap struct {
	keys  []string
	tasks map[string]SubTask
}

// Set inserts or replaces a sub-task.
func (m *TaskMap) Set(key string, t SubTask) {
	if m.tasks == nil {
		m.tasks = make(map[string]SubTask)
	}
	if _, ok := m.tasks[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.tasks[key] = t
}

// Get returns the sub-task for key.
func (m TaskMap) Get(key string) (SubTask, bool) {
	t, ok := m.tasks[key]
	return t, ok
}

// Keys returns task keys in insertion order.
func (m TaskMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of sub-tasks.
func (m TaskMap) Len() int { return len(m.keys) }

// MeanProgress is the arithmetic mean of sub-task progress values.
func (m TaskMap) MeanProgress() float64 {
	if len(m.keys) == 0 {
		return 0
	}
	var sum float64
	for _, k := range m.keys {
		sum += m.tasks[k].Progress
	}
	return RoundProgress(sum / float64(len(m.keys)))
}

// AllCompleted reports whether every sub-task is completed.
func (m TaskMap) AllCompleted() bool {
	if len(m.keys) == 0 {
		return false
	}
	for _, k := range m.keys {
		if m.tasks[k].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarshalJSON writes the tasks as an object in key order.
func (m TaskMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.tasks[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of sub-tasks, validating each entry.
func (m *TaskMap) UnmarshalJSON(data []byte) error {
	*m = TaskMap{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: tasks must be an object", ErrInvalidParams)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: task key must be a string", ErrInvalidParams)
		}
		if _, dup := m.tasks[key]; dup {
			return fmt.Errorf("%w: duplicate task %q", ErrInvalidParams, key)
		}

		var t SubTask
		if err := dec.Decode(&t); err != nil {
			return fmt.Errorf("%w: task %q: %v", ErrInvalidParams, key, err)
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("task %q: %w", key, err)
		}
		m.Set(key, t)
	}

	_, err = dec.Token()
	return err
}

// CollectionParams is the typed form of a collection job's params blob.
type CollectionParams struct {
	StockCode string  `json:"stock_code"`
	Days      int     `json:"days"`
	Offset    int     `json:"offset"`
	Tasks     TaskMap `json:"tasks"`
}

// ParseCollectionParams decodes and validates a params blob. A blob without
// a tasks map is read as a single implicit backward task.
func ParseCollectionParams(raw []byte) (CollectionParams, error) {
	var p CollectionParams
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: empty params", ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.StockCode == "" {
		return p, fmt.Errorf("%w: missing stock_code", ErrInvalidParams)
	}
	if p.Tasks.Len() == 0 {
		p.Tasks.Set(TaskDaily, SubTask{
			Direction: DirectionBackward,
			Days:      p.Days,
			Offset:    p.Offset,
			Status:    StatusPending,
		})
	}
	return p, nil
}

// Encode marshals the params for storage.
func (p CollectionParams) Encode() ([]byte, error) {
	return json.Marshal(p)
}
