package saga

import "time"

// MetricsRecorder records saga runtime metrics.
type MetricsRecorder interface {
	RecordSagaExecution(name, state string, duration time.Duration)
	RecordStepRetry(name, step string)
	RecordCompensation(name, status string)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordSagaExecution(string, string, time.Duration) {}
func (nopMetricsRecorder) RecordStepRetry(string, string)                    {}
func (nopMetricsRecorder) RecordCompensation(string, string)                 {}
