package record

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout of the date component of record keys.
const DateLayout = "2006-01-02"

// Record type discriminators.
const (
	TypePrediction = "prediction"
	TypeResult     = "result"
)

const keySep = "#"

// Key identifies one ledger entry.
type Key struct {
	SubjectID string `json:"subject_id"`
	RecordKey string `json:"record_key"`
}

// String renders the key as "subject/record_key" for logs and errors.
func (k Key) String() string {
	return k.SubjectID + "/" + k.RecordKey
}

// PredictionKey returns the key of the prediction for an event.
func PredictionKey(subjectID, date, eventID string) Key {
	return Key{SubjectID: subjectID, RecordKey: date + keySep + TypePrediction + keySep + eventID}
}

// ResultKey returns the key of the result for an event.
func ResultKey(subjectID, date, eventID string) Key {
	return Key{SubjectID: subjectID, RecordKey: date + keySep + TypeResult + keySep + eventID}
}

// DayPrefix returns the record key prefix of all records of one type on a date.
func DayPrefix(date, recordType string) string {
	return date + keySep + recordType + keySep
}

// ParsedKey is a record key split into its components.
type ParsedKey struct {
	Date    string
	Type    string
	EventID string
}

// ParseRecordKey splits "date#type#event_id". Event ids may contain '#'.
func ParseRecordKey(recordKey string) (ParsedKey, error) {
	parts := strings.SplitN(recordKey, keySep, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ParsedKey{}, fmt.Errorf("malformed record key %q", recordKey)
	}
	if _, err := time.Parse(DateLayout, parts[0]); err != nil {
		return ParsedKey{}, fmt.Errorf("malformed record key %q: %w", recordKey, err)
	}
	return ParsedKey{Date: parts[0], Type: parts[1], EventID: parts[2]}, nil
}

// FormatDate renders t as a record date in loc.
func FormatDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// Window bounds a date range. Empty bounds are open. Both ends inclusive.
type Window struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Contains reports whether date falls inside the window.
// Dates in DateLayout compare correctly as strings.
func (w Window) Contains(date string) bool {
	if w.From != "" && date < w.From {
		return false
	}
	if w.To != "" && date > w.To {
		return false
	}
	return true
}

// Validate checks that both bounds parse and From <= To.
func (w Window) Validate() error {
	for _, d := range []string{w.From, w.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			return fmt.Errorf("invalid date %q: want %s", d, DateLayout)
		}
	}
	if w.From != "" && w.To != "" && w.From > w.To {
		return fmt.Errorf("window start %s is after end %s", w.From, w.To)
	}
	return nil
}
