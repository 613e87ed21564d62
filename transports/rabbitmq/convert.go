package rabbitmq

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/internal/rabbitmq"
	"github.com/glimte/servicebus-go/internal/reliability"
	"github.com/glimte/servicebus-go/messaging"
)

const (
	// delayHeader is read by the delayed message exchange plugin
	delayHeader = "x-delay"
	// deliveryCountHeader is set by quorum queues on redelivery
	deliveryCountHeader = "x-delivery-count"
)

// SubscriptionQueue names the queue backing a topic subscription
func SubscriptionQueue(topic, subscription string) string {
	return topic + "." + subscription
}

// queueName returns the queue a receiver consumes from
func queueName(ref contracts.EntityReference) string {
	if ref.Kind == contracts.EntityTopic {
		return SubscriptionQueue(ref.Name, ref.Subscription)
	}
	return ref.Name
}

// route returns where envelopes for ref are published. Queues are reached
// through the default exchange and must exist, so the publish is mandatory.
// Topics are fanout exchanges; a topic without subscriptions drops messages.
func route(ref contracts.EntityReference) rabbitmq.PublishRequest {
	if ref.Kind == contracts.EntityTopic {
		return rabbitmq.PublishRequest{Exchange: ref.Name}
	}
	return rabbitmq.PublishRequest{RoutingKey: ref.Name, Mandatory: true}
}

// scheduledRoute returns the delayed-exchange route for ref. The entity is
// bound to the delayed exchange under its own name when it is provisioned.
func scheduledRoute(ref contracts.EntityReference, delayedExchange string) rabbitmq.PublishRequest {
	return rabbitmq.PublishRequest{Exchange: delayedExchange, RoutingKey: ref.Name}
}

// toPublishing maps an envelope onto an AMQP message. Scheduled envelopes get
// a delay header relative to now.
func toPublishing(env contracts.Envelope, now time.Time) amqp.Publishing {
	msg := amqp.Publishing{
		MessageId:    env.MessageID,
		ContentType:  env.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         env.Payload,
	}

	if len(env.Properties) > 0 || env.IsScheduledAfter(now) {
		msg.Headers = make(amqp.Table, len(env.Properties)+1)
		for k, v := range env.Properties {
			msg.Headers[k] = v
		}
	}
	if env.IsScheduledAfter(now) {
		msg.Headers[delayHeader] = env.ScheduledEnqueueTime.Sub(now).Milliseconds()
	}
	if _, ok := env.ExpiresAt(now); ok {
		msg.Expiration = strconv.FormatInt(max(env.TimeToLive.Milliseconds(), 1), 10)
	}
	return msg
}

// splitScheduled checks that scheduling is possible for all envelopes or none
func splitScheduled(envs []contracts.Envelope, now time.Time, delayedExchange string) (bool, error) {
	scheduled := 0
	for _, env := range envs {
		if env.IsScheduledAfter(now) {
			scheduled++
		}
	}
	switch {
	case scheduled == 0:
		return false, nil
	case delayedExchange == "":
		return false, reliability.Permanent(fmt.Errorf("%w: scheduled enqueue needs a delayed message exchange", messaging.ErrUnsupported))
	case scheduled != len(envs):
		return false, reliability.Permanent(fmt.Errorf("%w: batch mixes scheduled and immediate messages", messaging.ErrUnsupported))
	}
	return true, nil
}

// fromDelivery maps an AMQP delivery back onto an envelope
func fromDelivery(d amqp.Delivery) contracts.Envelope {
	env := contracts.Envelope{
		MessageID:   d.MessageId,
		Payload:     d.Body,
		ContentType: d.ContentType,
	}
	for k, v := range d.Headers {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if env.Properties == nil {
			env.Properties = make(map[string]string)
		}
		env.Properties[k] = s
	}
	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil {
		ttl := time.Duration(ms) * time.Millisecond
		env.TimeToLive = &ttl
	}
	return env
}

// deliveryCount starts at 1. Quorum queues report prior deliveries in a
// header; classic queues only flag redelivery.
func deliveryCount(d amqp.Delivery) int {
	switch n := d.Headers[deliveryCountHeader].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
