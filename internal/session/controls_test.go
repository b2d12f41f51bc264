package session

import "testing"

func TestComputeControls(t *testing.T) {
	tests := []struct {
		name string
		in   ControlInputs
		want Controls
	}{
		{
			name: "idle with nothing recorded",
			in:   ControlInputs{Capture: CaptureIdle, Queue: QueueRunning},
			want: Controls{Start: true, Pool: true, Labels: true},
		},
		{
			name: "idle with recorded sessions",
			in:   ControlInputs{Capture: CaptureIdle, Queue: QueueRunning, BatchLen: 3},
			want: Controls{Start: true, Pool: true, Labels: true, Save: true},
		},
		{
			name: "capturing from queue",
			in:   ControlInputs{Capture: CaptureCapturing, Queue: QueueRunning, QueueLen: 4},
			want: Controls{Stop: true, Pause: true},
		},
		{
			name: "counting down last queued label",
			in:   ControlInputs{Capture: CaptureCountingDown, Queue: QueueRunning},
			want: Controls{Stop: true},
		},
		{
			name: "paused with pending labels",
			in:   ControlInputs{Capture: CaptureIdle, Queue: QueuePaused, QueueLen: 2, BatchLen: 1},
			want: Controls{Pool: true, Stop: true, Resume: true, Labels: true, Save: true},
		},
		{
			name: "paused after stop",
			in:   ControlInputs{Capture: CaptureIdle, Queue: QueuePaused},
			want: Controls{Start: true, Pool: true, Labels: true},
		},
		{
			name: "upload running",
			in:   ControlInputs{Capture: CaptureIdle, Queue: QueueRunning, BatchLen: 2, Flushing: true},
			want: Controls{Start: true, Pool: true, Labels: true},
		},
		{
			name: "pool settling between segments",
			in:   ControlInputs{Capture: CaptureIdle, Queue: QueueRunning, BatchLen: 1, PoolRunning: true},
			want: Controls{Stop: true, Save: true},
		},
		{
			name: "paused queue during pool run",
			in:   ControlInputs{Capture: CaptureCapturing, Queue: QueuePaused, QueueLen: 2, PoolRunning: true},
			want: Controls{Stop: true},
		},
		{
			name: "finalizing single capture",
			in:   ControlInputs{Capture: CaptureFinalizing, Queue: QueueRunning, BatchLen: 1},
			want: Controls{Stop: true, Save: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeControls(tt.in); got != tt.want {
				t.Fatalf("ComputeControls(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}
