package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known publisher names. Anything else is a free-form events-api
// publisher.
const (
	PublisherUDMListener = "udm-listener"
	PublisherUDMPreFill  = "udm-pre-fill"
)

// Message is the envelope every publisher writes to the incoming stream and
// the dispatcher fans out verbatim. Immutable once published.
type Message struct {
	PublisherName string         `json:"publisher_name"`
	TS            time.Time      `json:"ts"`
	Realm         string         `json:"realm"`
	Topic         string         `json:"topic"`
	Body          map[string]any `json:"body"`
}

// RoutingKey is the composite the dispatcher and the subscription index key
// on: "<realm>:<topic>".
func (m *Message) RoutingKey() string {
	return m.Realm + ":" + m.Topic
}

// ProvisioningMessage is a Message as delivered to a consumer, annotated
// with the stream coordinates the consumer needs to report status later.
type ProvisioningMessage struct {
	Message
	SequenceNumber uint64 `json:"sequence_number"`
	NumDelivered   uint64 `json:"num_delivered"`
}

// Processing status values a consumer may report for a delivered message.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// StatusReport is a consumer's verdict on one delivered message. Status "ok"
// acks and removes the message; anything else leaves it for redelivery.
type StatusReport struct {
	Status        string `json:"status"`
	MessageSeqNum uint64 `json:"message_seq_num"`
	PublisherName string `json:"publisher_name"`
}

func (r *StatusReport) Validate() error {
	if r.Status != StatusOK && r.Status != StatusError {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.MessageSeqNum == 0 {
		return fmt.Errorf("missing message_seq_num")
	}
	if r.PublisherName == "" {
		return fmt.Errorf("missing publisher_name")
	}
	return nil
}

// PrefillRequest is the job record the registry enqueues on the prefills
// stream when a subscription is created with request_prefill=true.
type PrefillRequest struct {
	SubscriptionName string       `json:"subscription_name"`
	RealmsTopics     []RealmTopic `json:"realms_topics"`
	TS               time.Time    `json:"ts"`
}

// RealmTopic is one (realm, topic) pair a subscription declared interest in.
// On the wire it is a two-element array, e.g. ["udm", "users/user"].
type RealmTopic struct {
	Realm string
	Topic string
}

func (rt RealmTopic) String() string {
	return rt.Realm + ":" + rt.Topic
}

func (rt RealmTopic) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{rt.Realm, rt.Topic})
}

func (rt *RealmTopic) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("realm_topic must be a [realm, topic] pair: %w", err)
	}
	rt.Realm = pair[0]
	rt.Topic = pair[1]
	return nil
}
