package deposit

import (
	"context"
	"fmt"
	"strings"

	"carry-vault-bot/internal/state"
)

type Classification int

const (
	// NoNew means the event's version was already recorded, or there was no
	// event to classify.
	NoNew Classification = iota
	// NewIrrelevant means a fresh version whose addresses do not involve the
	// watched depositor and custodial wallet.
	NewIrrelevant
	// NewMatching means a fresh version that is a deposit from the expected
	// depositor into the custodial wallet.
	NewMatching
)

func (c Classification) String() string {
	switch c {
	case NewIrrelevant:
		return "NEW_IRRELEVANT"
	case NewMatching:
		return "NEW_MATCHING"
	default:
		return "NO_NEW"
	}
}

const seenKeyPrefix = "deposit:seen:"

// Watermark records which feed versions have been acted upon. The version is
// persisted before classification is reported, so a caller crash after a
// NEW_* result can only skip the event, never replay it.
type Watermark struct {
	store     state.Store
	depositor string
	custodial string
}

func NewWatermark(store state.Store, depositorAddr, custodialAddr string) *Watermark {
	return &Watermark{
		store:     store,
		depositor: depositorAddr,
		custodial: custodialAddr,
	}
}

// Classify inspects one polled event. A nil event or an already-seen version
// yields NoNew. A storage failure also yields NoNew: failing closed here is
// what keeps detection exactly-once.
func (w *Watermark) Classify(ctx context.Context, ev *Event) (Classification, error) {
	if ev == nil {
		return NoNew, nil
	}
	version := strings.TrimSpace(ev.Version)
	if version == "" {
		return NoNew, fmt.Errorf("deposit event has empty version")
	}
	key := seenKeyPrefix + version
	_, seen, err := w.store.Get(ctx, key)
	if err != nil {
		return NoNew, fmt.Errorf("watermark read: %w", err)
	}
	if seen {
		return NoNew, nil
	}
	if err := w.store.Set(ctx, key, []byte("1")); err != nil {
		return NoNew, fmt.Errorf("watermark record: %w", err)
	}
	if AddressesMatch(ev.FromAddress, w.depositor) && AddressesMatch(ev.ToAddress, w.custodial) {
		return NewMatching, nil
	}
	return NewIrrelevant, nil
}

// Seen reports whether a version has already been recorded, without
// recording it.
func (w *Watermark) Seen(ctx context.Context, version string) (bool, error) {
	_, ok, err := w.store.Get(ctx, seenKeyPrefix+version)
	return ok, err
}
