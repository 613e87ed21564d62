package messaging

import "time"

// Receive outcomes reported to MetricsCollector.RecordReceive
const (
	OutcomeCompleted       = "completed"
	OutcomeProcessingError = "processing_error"
	OutcomeDecodeError     = "decode_error"
	OutcomeCompleteError   = "complete_error"
)

// MetricsCollector records send and receive activity
type MetricsCollector interface {
	// RecordSend is called once per send call with the number of messages it carried
	RecordSend(entity string, count int, duration time.Duration, err error)
	// RecordReceive is called once per delivered message
	RecordReceive(entity string, outcome string, duration time.Duration)
	// RecordTransportFault is called for failed pulls and out-of-band faults
	RecordTransportFault(entity string, op string)
}

// NoOpMetrics discards everything
type NoOpMetrics struct{}

// RecordSend implements MetricsCollector
func (NoOpMetrics) RecordSend(string, int, time.Duration, error) {}

// RecordReceive implements MetricsCollector
func (NoOpMetrics) RecordReceive(string, string, time.Duration) {}

// RecordTransportFault implements MetricsCollector
func (NoOpMetrics) RecordTransportFault(string, string) {}
