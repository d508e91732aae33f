package state

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

const RunRecordKey = "strategy:run"

const (
	PhaseIdle    = "IDLE"
	PhaseOpening = "OPENING"
	PhaseOpen    = "OPEN"
	PhaseClosing = "CLOSING"
	PhaseFailed  = "FAILED"
)

// RunRecord is the persisted orchestration state for the current strategy
// run. TrackedDepositTotal is kept as a decimal string so the record survives
// encoding without float drift.
type RunRecord struct {
	RunID               string `msgpack:"run_id"`
	Direction           string `msgpack:"direction"`
	Phase               string `msgpack:"phase"`
	Pair                string `msgpack:"pair"`
	TrackedDepositTotal string `msgpack:"tracked_deposit_total"`
	OpenedAtMS          int64  `msgpack:"opened_at_ms"`
	UpdatedAtMS         int64  `msgpack:"updated_at_ms"`
}

func NewRunRecord() RunRecord {
	return RunRecord{Phase: PhaseIdle, TrackedDepositTotal: "0"}
}

func (r RunRecord) TrackedDeposit() decimal.Decimal {
	d, err := decimal.NewFromString(r.TrackedDepositTotal)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (r *RunRecord) SetTrackedDeposit(d decimal.Decimal) {
	r.TrackedDepositTotal = d.String()
}

func LoadRunRecord(ctx context.Context, store Store) (RunRecord, bool, error) {
	if store == nil {
		return NewRunRecord(), false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, RunRecordKey)
	if err != nil {
		return NewRunRecord(), false, err
	}
	if !ok || len(raw) == 0 {
		return NewRunRecord(), false, nil
	}
	var record RunRecord
	if err := msgpack.Unmarshal(raw, &record); err != nil {
		return NewRunRecord(), false, err
	}
	if record.Phase == "" {
		record.Phase = PhaseIdle
	}
	if record.TrackedDepositTotal == "" {
		record.TrackedDepositTotal = "0"
	}
	return record, true, nil
}

func SaveRunRecord(ctx context.Context, store Store, record RunRecord) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, RunRecordKey, payload)
}
