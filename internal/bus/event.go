package bus

import "time"

// Event kinds published while a sync run progresses. Subscribers filter by
// prefix, so "sync." receives everything below.
const (
	KindStateChanged    = "sync.state_changed"
	KindRunStarted      = "sync.run_started"
	KindBatchCommitted  = "sync.batch_committed"
	KindMessageUpserted = "sync.message_upserted"
	KindMessageFailed   = "sync.message_failed"
	KindBackoff         = "sync.backoff"
	KindRunFinished     = "sync.run_finished"
	KindAuthURL         = "auth.consent_url"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
