// Package ledger is the durable key-value view over prediction and result
// records.
//
// Store is the raw contract every backend implements (SQLite in
// internal/store, PostgreSQL in internal/store/pgstore). Ledger wraps a Store
// with typed accessors so callers never touch record keys or JSON directly.
//
// PutIfAbsent is the only synchronization primitive the settlement path
// relies on: it returns a fault ALREADY_EXISTS error when the key is taken,
// which serializes duplicate deliveries of the same trigger.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/racewatch/internal/record"
)

// Item is one stored value.
type Item struct {
	Key       record.Key
	Value     []byte
	UpdatedAt time.Time
}

// Store is the raw ledger contract.
//
// Get returns a fault NOT_FOUND error for a missing key. PutIfAbsent returns
// a fault ALREADY_EXISTS error when the key is taken and leaves the stored
// value untouched. Query returns every item of subjectID whose record key
// starts with prefix, ordered by record key.
type Store interface {
	Get(ctx context.Context, key record.Key) (Item, error)
	Put(ctx context.Context, key record.Key, value []byte) error
	PutIfAbsent(ctx context.Context, key record.Key, value []byte) error
	Query(ctx context.Context, subjectID, prefix string) ([]Item, error)
}

// Ledger provides typed access to prediction and result records.
type Ledger struct {
	store Store
}

// New wraps store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store returns the underlying raw store.
func (l *Ledger) Store() Store {
	return l.store
}

// Prediction reads the prediction for an event.
func (l *Ledger) Prediction(ctx context.Context, subjectID, date, eventID string) (record.PredictionRecord, error) {
	var rec record.PredictionRecord
	if err := l.get(ctx, record.PredictionKey(subjectID, date, eventID), &rec); err != nil {
		return record.PredictionRecord{}, err
	}
	return rec, nil
}

// CreatePrediction writes rec only if no prediction exists for its event.
func (l *Ledger) CreatePrediction(ctx context.Context, rec record.PredictionRecord) error {
	value, err := record.MarshalCanonical(rec)
	if err != nil {
		return fmt.Errorf("create prediction %s: %w", rec.Key(), err)
	}
	return l.store.PutIfAbsent(ctx, rec.Key(), value)
}

// SavePrediction overwrites the stored prediction. Used for status changes.
func (l *Ledger) SavePrediction(ctx context.Context, rec record.PredictionRecord) error {
	value, err := record.MarshalCanonical(rec)
	if err != nil {
		return fmt.Errorf("save prediction %s: %w", rec.Key(), err)
	}
	return l.store.Put(ctx, rec.Key(), value)
}

// Predictions lists the predictions of subjectID on date, ordered by event id.
// An empty date lists every day.
func (l *Ledger) Predictions(ctx context.Context, subjectID, date string) ([]record.PredictionRecord, error) {
	items, err := l.store.Query(ctx, subjectID, datePrefix(date))
	if err != nil {
		return nil, err
	}
	var out []record.PredictionRecord
	for _, item := range items {
		if !isType(item.Key.RecordKey, record.TypePrediction) {
			continue
		}
		var rec record.PredictionRecord
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", item.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Result reads the result for an event.
func (l *Ledger) Result(ctx context.Context, subjectID, date, eventID string) (record.ResultRecord, error) {
	var rec record.ResultRecord
	if err := l.get(ctx, record.ResultKey(subjectID, date, eventID), &rec); err != nil {
		return record.ResultRecord{}, err
	}
	return rec, nil
}

// CreateResult writes rec only if no result exists for its event.
// A fault ALREADY_EXISTS error means the event was settled before.
func (l *Ledger) CreateResult(ctx context.Context, rec record.ResultRecord) error {
	value, err := record.MarshalCanonical(rec)
	if err != nil {
		return fmt.Errorf("create result %s: %w", rec.Key(), err)
	}
	return l.store.PutIfAbsent(ctx, rec.Key(), value)
}

// Results lists every result of subjectID, ordered by record key.
func (l *Ledger) Results(ctx context.Context, subjectID string) ([]record.ResultRecord, error) {
	items, err := l.store.Query(ctx, subjectID, "")
	if err != nil {
		return nil, err
	}
	var out []record.ResultRecord
	for _, item := range items {
		if !isType(item.Key.RecordKey, record.TypeResult) {
			continue
		}
		var rec record.ResultRecord
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", item.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *Ledger) get(ctx context.Context, key record.Key, dst any) error {
	item, err := l.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(item.Value, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func datePrefix(date string) string {
	if date == "" {
		return ""
	}
	return date + "#"
}

func isType(recordKey, recordType string) bool {
	parsed, err := record.ParseRecordKey(recordKey)
	if err != nil {
		return false
	}
	return parsed.Type == recordType
}
