package session

// ControlInputs is the state the UI controls are derived from.
type ControlInputs struct {
	Capture     CaptureState
	Queue       QueueState
	QueueLen    int
	BatchLen    int
	Flushing    bool
	PoolRunning bool // the whole pool run, settle delays included
}

// Controls lists which operator controls are enabled.
type Controls struct {
	Start  bool `json:"start"`
	Pool   bool `json:"pool"`
	Stop   bool `json:"stop"`
	Pause  bool `json:"pause"`
	Resume bool `json:"resume"`
	Labels bool `json:"labels"`
	Save   bool `json:"save"`
}

// ComputeControls derives control enablement from in.
func ComputeControls(in ControlInputs) Controls {
	recording := in.Capture.Recording()
	busy := recording || in.PoolRunning
	queued := in.QueueLen > 0
	paused := in.Queue == QueuePaused

	return Controls{
		Start:  !busy && !queued,
		Pool:   !busy,
		Stop:   busy || queued,
		Pause:  recording && queued && !paused,
		Resume: paused && queued && !in.PoolRunning,
		Labels: !busy,
		Save:   in.BatchLen > 0 && !in.Flushing,
	}
}
