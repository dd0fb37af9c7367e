package nicdev

import "sync/atomic"

// Stats holds the device's monotonic counters. They are mutated only by
// the core's interrupt-service and send paths and may be read at any time.
type Stats struct {
	framesSent      atomic.Uint64
	framesReceived  atomic.Uint64
	txErrors        atomic.Uint64
	rxErrors        atomic.Uint64
	droppedNoBuffer atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	FramesSent      uint64
	FramesReceived  uint64
	TxErrors        uint64
	RxErrors        uint64
	DroppedNoBuffer uint64
}

// Snapshot reads all counters. The values are individually atomic; the
// snapshot as a whole is not a consistent cut, which is fine for counters
// that only ever increase.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesSent:      s.framesSent.Load(),
		FramesReceived:  s.framesReceived.Load(),
		TxErrors:        s.txErrors.Load(),
		RxErrors:        s.rxErrors.Load(),
		DroppedNoBuffer: s.droppedNoBuffer.Load(),
	}
}
