package contracts

import "fmt"

// EntityKind distinguishes queues from topics
type EntityKind int

const (
	// EntityQueue addresses a queue
	EntityQueue EntityKind = iota
	// EntityTopic addresses a topic, or a subscription of it when receiving
	EntityTopic
)

// String returns the entity kind name
func (k EntityKind) String() string {
	switch k {
	case EntityQueue:
		return "queue"
	case EntityTopic:
		return "topic"
	default:
		return fmt.Sprintf("EntityKind(%d)", int(k))
	}
}

// EntityReference identifies a broker-side addressable entity
type EntityReference struct {
	Kind         EntityKind
	Name         string
	Subscription string
}

// Queue references a queue by name
func Queue(name string) EntityReference {
	return EntityReference{Kind: EntityQueue, Name: name}
}

// Topic references a topic by name, for sending
func Topic(name string) EntityReference {
	return EntityReference{Kind: EntityTopic, Name: name}
}

// TopicSubscription references a subscription of a topic, for receiving
func TopicSubscription(topic, subscription string) EntityReference {
	return EntityReference{Kind: EntityTopic, Name: topic, Subscription: subscription}
}

// Validate checks the identifying fields of the reference.
//
// The subscription name is required when receiving from a topic and must be
// empty in every other case.
func (r EntityReference) Validate(forReceive bool) error {
	if r.Kind != EntityQueue && r.Kind != EntityTopic {
		return &ConfigurationError{Field: "entity.kind", Reason: fmt.Sprintf("unknown entity kind %d", int(r.Kind))}
	}
	if r.Name == "" {
		return &ConfigurationError{Field: "entity.name", Reason: "must not be empty"}
	}

	needsSubscription := forReceive && r.Kind == EntityTopic
	switch {
	case needsSubscription && r.Subscription == "":
		return &ConfigurationError{Field: "entity.subscription", Reason: "required when receiving from a topic"}
	case !needsSubscription && r.Subscription != "":
		return &ConfigurationError{Field: "entity.subscription", Reason: fmt.Sprintf("not allowed for a %s %s", r.Kind, r.role(forReceive))}
	}
	return nil
}

// Path returns a printable address, e.g. "orders" or "orders/subscriptions/billing"
func (r EntityReference) Path() string {
	if r.Subscription != "" {
		return r.Name + "/subscriptions/" + r.Subscription
	}
	return r.Name
}

// String implements fmt.Stringer
func (r EntityReference) String() string {
	return r.Kind.String() + ":" + r.Path()
}

func (r EntityReference) role(forReceive bool) string {
	if forReceive {
		return "receiver"
	}
	return "sender"
}
