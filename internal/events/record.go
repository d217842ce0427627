package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// RecordWidth is the number of positional arguments that make up one Record.
const RecordWidth = 5

var (
	ErrNotEnoughArgs = errors.New("not enough arguments")
	ErrArgCount      = errors.New("argument count is not a multiple of 5")
)

// Record is one event that triggered a run, as reported by the orchestrator.
type Record struct {
	EventName string `json:"event_name"`
	Timestamp int64  `json:"timestamp"`
	EventID   string `json:"event_id"`
	FlowName  string `json:"flow_name"`
	RunID     string `json:"run_id"`
}

// ParseRecords groups args into consecutive
// "event_name timestamp event_id flow_name run_id" tuples, keeping input order.
func ParseRecords(args []string) ([]Record, error) {
	if len(args) < RecordWidth {
		return nil, fmt.Errorf("%w: expected at least %d, received %d", ErrNotEnoughArgs, RecordWidth, len(args))
	}
	if len(args)%RecordWidth != 0 {
		return nil, fmt.Errorf("%w: received %d", ErrArgCount, len(args))
	}

	records := make([]Record, 0, len(args)/RecordWidth)
	for off := 0; off < len(args); off += RecordWidth {
		ts, err := strconv.ParseInt(args[off+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("event %d: invalid timestamp %q: %w", off/RecordWidth, args[off+1], err)
		}
		records = append(records, Record{
			EventName: args[off],
			Timestamp: ts,
			EventID:   args[off+2],
			FlowName:  args[off+3],
			RunID:     args[off+4],
		})
	}
	return records, nil
}

// EncodeRecords renders records as compact JSON, the form stored in the
// event_trigger metadata field.
func EncodeRecords(records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
