package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/ledger"
)

// IngestService submits commands on behalf of an authenticated caller. It
// backs the HTTP API; NATS remains the high-throughput path.
//
// The caller comes from the token and the time from the server clock;
// neither is read from the body.
type IngestService struct {
	processor CommandProcessor
	owner     ledger.Address
	now       func() time.Time
}

func NewIngestService(processor CommandProcessor, owner ledger.Address, now func() time.Time) *IngestService {
	if now == nil {
		now = time.Now
	}
	return &IngestService{processor: processor, owner: owner, now: now}
}

// Submit decodes, stamps and applies one command. A body without
// command_id gets a fresh one, which makes the request non-idempotent.
func (s *IngestService) Submit(
	ctx context.Context,
	caller ledger.Address,
	commandType string,
	data []byte,
) (*core.Receipt, error) {
	ct, ok := event.ParseCommandType(commandType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, commandType)
	}

	cmd, err := decode(ct, data)
	if err != nil {
		return nil, err
	}

	if h := headerOf(cmd); h.CommandID == uuid.Nil {
		h.CommandID = uuid.New()
	}
	if err := stampAndValidate(cmd, caller, s.now()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, ct, err)
	}
	if err := authorizeIngress(cmd, s.owner); err != nil {
		return nil, err
	}

	return s.processor.ProcessCommand(ctx, cmd)
}

// Now is the clock used for stamping, exposed for read-side status checks.
func (s *IngestService) Now() time.Time {
	return s.now()
}
