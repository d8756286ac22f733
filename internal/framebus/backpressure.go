package framebus

import (
	"sync"
)

// backpressureState is the Normal/Paused hysteresis machine from §4.2.3.
// Hysteresis is mandatory: a transition only fires when occupancy crosses
// pause_hi upward (Normal->Paused) or resume_lo downward (Paused->Normal);
// nothing happens while occupancy sits in the gap between them.
type backpressureState struct {
	mu      sync.Mutex
	paused  bool
	pauseN  int // pauseThreshold, absolute count
	resumeN int // resumeThreshold, absolute count

	onPause  func()
	onResume func()
}

func newBackpressureState(cfg Config, onPause, onResume func()) *backpressureState {
	return &backpressureState{
		pauseN:   cfg.PauseThreshold(),
		resumeN:  cfg.ResumeThreshold(),
		onPause:  onPause,
		onResume: onResume,
	}
}

// observe feeds the latest ring occupancy through the hysteresis machine,
// firing onPause/onResume at most once per crossing.
func (b *backpressureState) observe(occupancy int) {
	b.mu.Lock()
	wasPaused := b.paused
	switch {
	case !wasPaused && occupancy >= b.pauseN:
		b.paused = true
	case wasPaused && occupancy <= b.resumeN:
		b.paused = false
	}
	nowPaused := b.paused
	b.mu.Unlock()

	if nowPaused && !wasPaused && b.onPause != nil {
		b.onPause()
	}
	if !nowPaused && wasPaused && b.onResume != nil {
		b.onResume()
	}
}
