package metrics

// Recorder ingests arbitrary key-value metrics. Implementations must be
// best-effort: callers never await a Record for correctness and a failing
// sink must not surface errors into the execution core.
type Recorder interface {
	Record(category, name string, value any)
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) Record(category, name string, value any) {}
