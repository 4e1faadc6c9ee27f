package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"DepegLedger/internal/core"
)

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes commands and journals to Postgres using batch inserts.
// Multi-row INSERT keeps the writer portable across drivers; both tables
// use ON CONFLICT DO NOTHING so a retried flush is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Caller         string
	Payload        []byte  // JSON-encoded command
	ObservedPrice  *string // NUMERIC, nil when the command never read the oracle
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

// Record is one applied command in persistence form.
type Record struct {
	Event    EventRow
	Journals []JournalRow
}

// NewRecord converts a core output into rows.
func NewRecord(out core.CoreOutput) Record {
	env := out.Envelope

	var observed *string
	if env.ObservedPrice != nil {
		s := env.ObservedPrice.String()
		observed = &s
	}

	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller.Hex(),
			Payload:        env.Payload,
			ObservedPrice:  observed,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      time.Unix(int64(env.Timestamp), 0).UTC(),
		},
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rec.Journals = append(rec.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         string(j.Asset),
				Amount:        j.Amount.String(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return rec
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, caller, payload, observed_price, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Caller,
			string(e.Payload), e.ObservedPrice, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex Execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRecords writes events and their journals in one transaction.
func (w *EventLogWriter) WriteRecords(ctx context.Context, records []Record) error {
	events := make([]EventRow, 0, len(records))
	var journals []JournalRow
	for _, r := range records {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &flushError{stage: "tx_begin", err: err}
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return &flushError{stage: "write_events", err: err}
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return &flushError{stage: "write_journals", err: err}
	}
	if err := tx.Commit(); err != nil {
		return &flushError{stage: "tx_commit", err: err}
	}
	return nil
}

// flushError tags a write failure with the stage that failed, for metrics.
type flushError struct {
	stage string
	err   error
}

func (e *flushError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *flushError) Unwrap() error {
	return e.err
}
