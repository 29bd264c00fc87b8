package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
	"github.com/drblury/holdflow/internal/runtime/event"
	"github.com/drblury/holdflow/internal/runtime/governance"
	"github.com/drblury/holdflow/internal/runtime/health"
	idspkg "github.com/drblury/holdflow/internal/runtime/ids"
	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/holdflow/internal/runtime/metadata"
	"github.com/drblury/holdflow/internal/runtime/store"
)

// MaxSyncErrors caps SyncStats.Errors; Failed keeps counting past it.
const MaxSyncErrors = 100

const recordKeyLength = 32

var errNoRecord = errors.New("processor returned no record")

// SyncStats summarises one Sync run. Processed + Failed equals the number of
// non-blank intake lines read.
type SyncStats struct {
	Processed       int            `json:"processed"`
	Failed          int            `json:"failed"`
	Errors          []string       `json:"errors"`
	Written         int            `json:"written"`
	DurationSeconds float64        `json:"duration_seconds"`
	SyncHealth      *health.Report `json:"sync_health,omitempty"`
}

func (st *SyncStats) fail(msg string) {
	st.Failed++
	if len(st.Errors) < MaxSyncErrors {
		st.Errors = append(st.Errors, msg)
	}
}

// syncBatch holds the rows of one Sync run until the single upsert at the
// end. A key produced twice keeps its latest row at its first position.
type syncBatch struct {
	rows  []store.Row
	index map[string]int
}

type syncBatchKey struct{}

func newSyncBatch() *syncBatch {
	return &syncBatch{index: map[string]int{}}
}

func contextWithBatch(ctx context.Context, b *syncBatch) context.Context {
	return context.WithValue(ctx, syncBatchKey{}, b)
}

func batchFromContext(ctx context.Context) *syncBatch {
	b, _ := ctx.Value(syncBatchKey{}).(*syncBatch)
	return b
}

func (b *syncBatch) put(id string, data map[string]any) {
	if i, ok := b.index[id]; ok {
		b.rows[i].Data = data
		return
	}
	b.index[id] = len(b.rows)
	b.rows = append(b.rows, store.Row{ID: id, Data: data})
}

func (b *syncBatch) get(id string) (map[string]any, bool) {
	i, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return b.rows[i].Data, true
}

type intakeRecord struct {
	line   int
	record map[string]any
}

// Sync moves intake records through Process into the processed store. It
// holds the service lock for the whole run and does not consume the intake
// file, so repeated runs upsert the same rows. Malformed lines and failing
// records go to the dead-letter file and are counted in the stats. Only a
// failed store write, a governance denial or a stopped service is returned
// as an error.
func (s *BaseService) Sync(ctx context.Context) (*SyncStats, error) {
	if s.State() == StateStopped {
		return nil, errspkg.ErrServiceStopped
	}
	ctx, release, err := s.lock.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := s.deps.Clock()
	stats := &SyncStats{Errors: []string{}}

	s.setState(StateProcessing)
	defer func() {
		if s.State() == StateProcessing {
			s.setState(StateReady)
		}
	}()
	s.publishLifecycle(ctx, event.SyncStarted, nil)

	intake := s.layout.IntakeFile(s.name)
	if err := s.gate(ctx, governance.OpRead, governance.SourceAgent, governance.LayerHold1, intake); err != nil {
		return s.syncFailed(ctx, stats, start, err)
	}

	if _, err := os.Stat(intake); errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No intake file", loggingpkg.LogFields{"path": intake})
		stats.DurationSeconds = s.deps.Clock().Sub(start).Seconds()
		return stats, nil
	}

	var pending []intakeRecord
	err = scanJSONLines(ctx, intake, func(lineNo int, line []byte) bool {
		record, perr := jsoncodec.UnmarshalObject(line)
		if perr != nil || record == nil {
			if perr == nil {
				perr = errors.New("not a JSON object")
			}
			cause := fmt.Errorf("%w: invalid JSON at line %d: %v", errspkg.ErrInvalidRecord, lineNo, perr)
			stats.fail(fmt.Sprintf("Invalid JSON at line %d: %v", lineNo, perr))
			s.deadLetter(ctx, map[string]any{
				"_raw_line":    string(line),
				"_line_number": lineNo,
			}, cause, loggingpkg.LogFields{"line": lineNo})
			return true
		}
		pending = append(pending, intakeRecord{line: lineNo, record: record})
		return true
	})
	if err != nil {
		return s.syncFailed(ctx, stats, start, fmt.Errorf("read intake: %w", err))
	}

	batch := newSyncBatch()
	ctx = contextWithBatch(ctx, batch)
	for _, p := range pending {
		data := p.record
		if inner, ok := p.record["data"].(map[string]any); ok {
			data = inner
		}
		out, perr := s.runChain(ctx, p, data)
		if perr != nil {
			stats.fail(perr.Error())
			s.deadLetter(ctx, p.record, perr, loggingpkg.LogFields{
				"line":     p.line,
				"event_id": envelopeID(p.record),
			})
			continue
		}
		stats.Processed++
		batch.put(RecordKey(out, data), out)
	}

	if rows := batch.rows; len(rows) > 0 {
		if err := s.gate(ctx, governance.OpWrite, governance.SourceAgent, governance.LayerHold2, s.layout.StoreFile(s.name)); err != nil {
			return s.syncFailed(ctx, stats, start, err)
		}
		written, err := s.writeRows(ctx, rows)
		if err != nil {
			return s.syncFailed(ctx, stats, start, err)
		}
		stats.Written = written
	}

	report := s.HealthCheck(ctx)
	stats.SyncHealth = &report
	duration := s.deps.Clock().Sub(start)
	stats.DurationSeconds = duration.Seconds()

	s.logger.Info("Sync completed", loggingpkg.LogFields{
		"processed":        stats.Processed,
		"failed":           stats.Failed,
		"written":          stats.Written,
		"duration_seconds": stats.DurationSeconds,
		"sync_ok":          report.SyncOK,
		"run_id":           event.CurrentRunID(ctx),
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveSync(s.name, SyncOutcomeCompleted, duration)
	}
	if g := s.deps.Governance; g != nil {
		g.RecordAgentAction(ctx, governance.AgentAction{
			Action:        "sync",
			Component:     s.name,
			InputRecords:  stats.Processed + stats.Failed,
			OutputRecords: stats.Written,
			Success:       true,
		})
	}
	s.publishLifecycle(ctx, event.SyncCompleted, map[string]any{
		"processed": stats.Processed,
		"failed":    stats.Failed,
	})
	return stats, nil
}

func (s *BaseService) syncFailed(ctx context.Context, stats *SyncStats, start time.Time, err error) (*SyncStats, error) {
	duration := s.deps.Clock().Sub(start)
	stats.DurationSeconds = duration.Seconds()
	s.logger.Error("Sync failed", err, loggingpkg.LogFields{
		"processed": stats.Processed,
		"failed":    stats.Failed,
		"run_id":    event.CurrentRunID(ctx),
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveSync(s.name, SyncOutcomeFailed, duration)
	}
	if g := s.deps.Governance; g != nil {
		g.RecordAgentAction(ctx, governance.AgentAction{
			Action:       "sync",
			Component:    s.name,
			InputRecords: stats.Processed + stats.Failed,
			Success:      false,
			ErrorMessage: err.Error(),
		})
	}
	s.publishLifecycle(ctx, event.SyncFailed, map[string]any{"error": err.Error()})
	return stats, err
}

// gate asks governance whether source may perform operation on target.
func (s *BaseService) gate(ctx context.Context, operation, source, target, path string) error {
	g := s.deps.Governance
	if g == nil {
		return nil
	}
	if g.GateOperation(ctx, operation, source, target, governance.WithPath(path), governance.WithContext(map[string]any{"service": s.name})) {
		return nil
	}
	return &errspkg.PermissionError{Operation: operation, Source: source, Target: target}
}

// runChain sends one record through the middleware chain to the processor.
func (s *BaseService) runChain(ctx context.Context, p intakeRecord, data map[string]any) (map[string]any, error) {
	payload, err := jsoncodec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: encode record: %v", errspkg.ErrInvalidRecord, err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	meta := metadatapkg.New(
		metadatapkg.KeyService, s.name,
		metadatapkg.KeyLine, strconv.Itoa(p.line),
		metadatapkg.KeyRunID, event.CurrentRunID(ctx),
	)
	if id := envelopeID(p.record); id != "" {
		meta = meta.With(metadatapkg.KeyEventID, id)
	}
	if md, ok := p.record["metadata"].(map[string]any); ok {
		if cid, ok := md["correlation_id"].(string); ok && cid != "" {
			meta = meta.With(metadatapkg.KeyCorrelationID, cid)
		}
	}
	meta.Apply(msg)
	msg.SetContext(ctx)

	out, err := s.chain(msg)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errNoRecord
	}
	record, err := jsoncodec.UnmarshalObject(out[0].Payload)
	if err != nil {
		return nil, fmt.Errorf("decode processed record: %w", err)
	}
	if record == nil {
		return nil, errNoRecord
	}
	return record, nil
}

// processHandler is the innermost handler of the chain.
func (s *BaseService) processHandler(msg *message.Message) ([]*message.Message, error) {
	record, err := jsoncodec.UnmarshalObject(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrInvalidRecord, err)
	}
	ctx := msg.Context()
	if id := msg.Metadata.Get(metadatapkg.KeyEventID); id != "" {
		ctx = event.ContextWithEventID(ctx, id)
	}
	out, err := s.processor.Process(ctx, record)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errNoRecord
	}
	payload, err := jsoncodec.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode processed record: %w", err)
	}
	result := message.NewMessage(idspkg.CreateULID(), payload)
	metadatapkg.FromMessage(msg).Apply(result)
	return []*message.Message{result}, nil
}

// RecordKey derives the processed-store id: the record's id, then its
// aggregate_id, then the first 32 hex characters of the SHA-256 of the
// key-sorted JSON of source. Changing this derivation re-keys every store.
func RecordKey(processed, source map[string]any) string {
	if id := keyString(processed["id"]); id != "" {
		return id
	}
	if id := keyString(processed["aggregate_id"]); id != "" {
		return id
	}
	stable, err := jsoncodec.Marshal(source)
	if err != nil {
		stable = []byte(fmt.Sprintf("%v", source))
	}
	return idspkg.HashHex(stable, recordKeyLength)
}

func keyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == 0 {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func envelopeID(record map[string]any) string {
	if _, ok := record["data"].(map[string]any); !ok {
		return ""
	}
	id, _ := record["id"].(string)
	return id
}
