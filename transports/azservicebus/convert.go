package azservicebus

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/glimte/servicebus-go/contracts"
)

func toMessage(env contracts.Envelope) *azservicebus.Message {
	msg := &azservicebus.Message{
		Body:                 env.Payload,
		ScheduledEnqueueTime: env.ScheduledEnqueueTime,
		TimeToLive:           env.TimeToLive,
	}
	if env.MessageID != "" {
		msg.MessageID = to.Ptr(env.MessageID)
	}
	if env.ContentType != "" {
		msg.ContentType = to.Ptr(env.ContentType)
	}
	if len(env.Properties) > 0 {
		msg.ApplicationProperties = make(map[string]any, len(env.Properties))
		for k, v := range env.Properties {
			msg.ApplicationProperties[k] = v
		}
	}
	return msg
}

func fromReceived(msg *azservicebus.ReceivedMessage) contracts.Envelope {
	env := contracts.Envelope{
		MessageID:            msg.MessageID,
		Payload:              msg.Body,
		ScheduledEnqueueTime: msg.ScheduledEnqueueTime,
		TimeToLive:           msg.TimeToLive,
	}
	if msg.ContentType != nil {
		env.ContentType = *msg.ContentType
	}
	if len(msg.ApplicationProperties) > 0 {
		env.Properties = make(map[string]string, len(msg.ApplicationProperties))
		for k, v := range msg.ApplicationProperties {
			if s, ok := v.(string); ok {
				env.Properties[k] = s
			} else {
				env.Properties[k] = fmt.Sprint(v)
			}
		}
	}
	return env
}
