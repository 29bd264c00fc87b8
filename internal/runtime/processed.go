package runtime

import (
	"context"
	"fmt"
	"maps"
	"os"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	"github.com/drblury/holdflow/internal/runtime/governance"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	"github.com/drblury/holdflow/internal/runtime/store"
)

// processedStore opens the HOLD2 database on first use.
func (s *BaseService) processedStore(ctx context.Context) (*store.Store, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if s.store != nil {
		return s.store, nil
	}
	if err := os.MkdirAll(s.layout.Hold2Dir(s.name), 0o755); err != nil {
		return nil, fmt.Errorf("create hold2 directory: %w", err)
	}
	st, err := store.Open(ctx, s.layout.StoreFile(s.name), s.schema)
	if err != nil {
		return nil, err
	}
	s.store = st
	return st, nil
}

// writeRows upserts rows in one transaction. Any failure rolls the batch back
// and comes back as a *errors.StorageError.
func (s *BaseService) writeRows(ctx context.Context, rows []store.Row) (int, error) {
	st, err := s.processedStore(ctx)
	if err == nil {
		var n int
		n, err = st.Upsert(ctx, rows)
		if err == nil {
			return n, nil
		}
	}
	s.logger.Error("Write to hold2 failed", err, loggingpkg.LogFields{
		"record_count": len(rows),
		"operation":    "write_hold2",
	})
	return 0, &errspkg.StorageError{Service: s.name, Records: len(rows), Err: err}
}

// WriteProcessed upserts records directly into the processed store, keyed the
// same way Sync keys them. It takes the service lock.
func (s *BaseService) WriteProcessed(ctx context.Context, records []map[string]any) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ctx, release, err := s.lock.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := s.gate(ctx, governance.OpWrite, governance.SourceAgent, governance.LayerHold2, s.layout.StoreFile(s.name)); err != nil {
		return 0, err
	}
	rows := make([]store.Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, store.Row{ID: RecordKey(r, r), Data: r})
	}
	return s.writeRows(ctx, rows)
}

// GetProcessed returns the record stored under id. Inside a Sync run, rows
// produced earlier in the same run shadow the stored ones.
func (s *BaseService) GetProcessed(ctx context.Context, id string) (store.Record, bool, error) {
	if b := batchFromContext(ctx); b != nil {
		if data, ok := b.get(id); ok {
			return store.Record{ID: id, Data: maps.Clone(data)}, true, nil
		}
	}
	st, err := s.processedStore(ctx)
	if err != nil {
		return store.Record{}, false, err
	}
	return st.Get(ctx, id)
}

// QueryProcessed reads the processed store without taking the service lock.
func (s *BaseService) QueryProcessed(ctx context.Context, q store.Query) ([]store.Record, error) {
	st, err := s.processedStore(ctx)
	if err != nil {
		return nil, err
	}
	return st.Query(ctx, q)
}

// CountProcessed counts processed records matching filters.
func (s *BaseService) CountProcessed(ctx context.Context, filters map[string]any) (int64, error) {
	st, err := s.processedStore(ctx)
	if err != nil {
		return 0, err
	}
	return st.Count(ctx, filters)
}

// GroupProcessed counts processed records per value of field.
func (s *BaseService) GroupProcessed(ctx context.Context, field string) (map[string]int64, error) {
	st, err := s.processedStore(ctx)
	if err != nil {
		return nil, err
	}
	return st.GroupCount(ctx, field)
}
