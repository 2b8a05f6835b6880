// Package messages defines the wire contracts of the provisioning bus.
//
// Everything that crosses a stream, the KV store or the HTTP API lives here:
//
//   - Message: the envelope publishers write and the dispatcher fans out
//   - ProvisioningMessage: a delivered envelope plus its stream coordinates
//   - StatusReport: a consumer's verdict on one delivered message
//   - NewSubscription / Subscription: the registration request and record
//   - PrefillRequest: the job the registry hands to the pre-fill controller
//
// Subscriptions address changes by (realm, topic) pairs; on the wire a pair
// is a two-element array, e.g. ["udm", "users/user"]. The composite routing
// key "<realm>:<topic>" is what the dispatcher's index keys on.
package messages
