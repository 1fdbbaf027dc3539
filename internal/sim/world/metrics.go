package world

// Metrics is a read-only view of the world loop, updated after every tick and
// safe to read from any goroutine.
type Metrics struct {
	Tick uint64 `json:"tick"`

	Hosts       int `json:"hosts"`
	Nodes       int `json:"nodes"`
	Connections int `json:"connections"`

	Awake    int `json:"awake"`
	Sleeping int `json:"sleeping"`
	Invoked  int `json:"invoked"`

	Updated      int `json:"updated"`
	UnsavedHosts int `json:"unsaved_hosts"`
	QueueDepth   int `json:"queue_depth"`

	StepMS float64 `json:"step_ms"`
}

func (w *World) Metrics() Metrics {
	if w == nil {
		return Metrics{}
	}
	m, _ := w.metrics.Load().(Metrics)
	return m
}
