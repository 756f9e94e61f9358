// Package metrics tracks exchange counters. Counters are plain atomics;
// the snapshot is JSON for scraping by external tooling.
package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
)

// Metrics aggregates counters across all sessions of a service.
type Metrics struct {
	ExchangesDone           atomic.Uint64
	ExchangesFailed         atomic.Uint64
	RejectedNotTrusted      atomic.Uint64
	RejectedVersionMismatch atomic.Uint64
	RejectedBusy            atomic.Uint64
	Timeouts                atomic.Uint64
}

// New returns a zeroed Metrics.
func New() *Metrics {
	return &Metrics{}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	ExchangesDone           uint64 `json:"exchanges_done"`
	ExchangesFailed         uint64 `json:"exchanges_failed"`
	RejectedNotTrusted      uint64 `json:"rejected_not_trusted"`
	RejectedVersionMismatch uint64 `json:"rejected_version_mismatch"`
	RejectedBusy            uint64 `json:"rejected_busy"`
	Timeouts                uint64 `json:"timeouts"`
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ExchangesDone:           m.ExchangesDone.Load(),
		ExchangesFailed:         m.ExchangesFailed.Load(),
		RejectedNotTrusted:      m.RejectedNotTrusted.Load(),
		RejectedVersionMismatch: m.RejectedVersionMismatch.Load(),
		RejectedBusy:            m.RejectedBusy.Load(),
		Timeouts:                m.Timeouts.Load(),
	}
}

// WriteSnapshot writes the current snapshot as JSON to path.
func (m *Metrics) WriteSnapshot(path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
