package mq

// Stream and subject names used across the bus. Every stream carries exactly
// one subject; the durable consumer on a stream is named after the stream.
const (
	// IncomingStream is the single stream all publishers write to.
	IncomingStream  = "incoming"
	IncomingSubject = "incoming"

	// PrefillJobsStream carries pre-fill job requests for the controller.
	PrefillJobsStream  = "prefills"
	PrefillJobsSubject = "prefills"
)

// LiveStream returns the per-subscription live stream name.
func LiveStream(subscription string) string {
	return "subscription_" + subscription
}

// LiveSubject returns the subject the dispatcher publishes live copies to.
func LiveSubject(subscription string) string {
	return "subscription." + subscription
}

// PrefillStream returns the per-subscription pre-fill backlog stream name.
func PrefillStream(subscription string) string {
	return "prefill_" + subscription
}

// PrefillSubject returns the subject the pre-fill controller publishes to.
func PrefillSubject(subscription string) string {
	return "prefill." + subscription
}
