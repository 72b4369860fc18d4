package core

// Metrics records business events once they are committed.
// Implementations must be safe for concurrent use.
type Metrics interface {
	ReservationBooked()
	ReservationCancelled(refunded bool)
	ReservationRebooked()
	// ReservationsSettled counts reservations moved to a final status (completed, no_show).
	ReservationsSettled(status string, n int)
	SlotCancelled()
	BookingRejected(reason string)
	TokensMoved(kind string, amount int64)
	JobRun(job string, err error)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) ReservationBooked() {}
func (NoopMetrics) ReservationCancelled(bool) {}
func (NoopMetrics) ReservationRebooked() {}
func (NoopMetrics) ReservationsSettled(string, int) {}
func (NoopMetrics) SlotCancelled() {}
func (NoopMetrics) BookingRejected(string) {}
func (NoopMetrics) TokensMoved(string, int64) {}
func (NoopMetrics) JobRun(string, error) {}
