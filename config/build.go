package config

import (
	"io"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/messaging"
	"github.com/glimte/servicebus-go/transports/azservicebus"
	"github.com/glimte/servicebus-go/transports/rabbitmq"
)

// NewCredential builds the configured credential. Token credentials use a client
// secret when ClientID is set and the default Azure identity chain otherwise.
func (s *Settings) NewCredential() (credentials.Credential, error) {
	c := s.Credential
	var cred credentials.Credential

	switch c.Kind {
	case "connection-string":
		cred = credentials.ConnectionSecret{ConnectionString: c.ConnectionString}
	case "shared-key":
		cred = credentials.NamespaceSharedKey{Namespace: c.Namespace, KeyName: c.KeyName, Key: c.Key}
	case "sas":
		cred = credentials.NamespaceSas{Namespace: c.Namespace, Signature: c.Signature}
	case "token":
		provider, err := c.tokenProvider()
		if err != nil {
			return nil, &contracts.ConfigurationError{Field: "credential.provider", Reason: "could not be created", Err: err}
		}
		cred = credentials.NamespaceToken{Namespace: c.Namespace, Provider: provider}
	default:
		return nil, &contracts.ConfigurationError{Field: "credential.kind", Reason: "unknown kind " + c.Kind}
	}

	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

func (c CredentialSettings) tokenProvider() (azcore.TokenCredential, error) {
	if c.ClientID != "" {
		return azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{TenantID: c.TenantID})
}

// EntityReference returns the configured entity
func (s *Settings) EntityReference() contracts.EntityReference {
	switch {
	case s.Entity.Subscription != "":
		return contracts.TopicSubscription(s.Entity.Name, s.Entity.Subscription)
	case s.Entity.Kind == "topic":
		return contracts.Topic(s.Entity.Name)
	default:
		return contracts.Queue(s.Entity.Name)
	}
}

// SenderConfig returns the configured sender settings
func (s *Settings) SenderConfig() messaging.SenderConfig {
	return messaging.SenderConfig{
		Provisioning: messaging.ProvisioningPolicy{CanCreate: s.Sender.CanCreate},
		Retry:        s.Sender.Retry.policy(),
	}
}

// ReceiverConfig returns the configured receiver settings
func (s *Settings) ReceiverConfig() messaging.ReceiverConfig {
	ack := messaging.AckLockAndComplete
	if s.Receiver.AckMode == "receive-and-delete" {
		ack = messaging.AckReceiveAndDelete
	}
	return messaging.ReceiverConfig{
		MaxConcurrentCalls: s.Receiver.MaxConcurrentCalls,
		AckMode:            ack,
		Provisioning:       messaging.ProvisioningPolicy{CanCreate: s.Receiver.CanCreate},
		Retry:              s.Receiver.Retry.policy(),
	}
}

func (r RetrySettings) policy() messaging.RetryPolicy {
	mode := messaging.RetryExponential
	if r.Mode == "fixed" {
		mode = messaging.RetryFixed
	}
	return messaging.RetryPolicy{
		Mode:         mode,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		MaxRetries:   r.MaxRetries,
	}
}

// Dialer returns the dialer of the configured transport
func (s *Settings) Dialer() messaging.Dialer {
	if s.Transport != TransportRabbitMQ {
		var opts []azservicebus.DialerOption
		if tt, err := azservicebus.ParseTransportType(s.Azure.TransportType); err == nil {
			opts = append(opts, azservicebus.WithTransportType(tt))
		}
		if s.ApplicationID != "" {
			opts = append(opts, azservicebus.WithApplicationID(s.ApplicationID))
		}
		return azservicebus.NewDialer(opts...)
	}

	r := s.RabbitMQ
	opts := []rabbitmq.DialerOption{
		rabbitmq.WithVhost(r.Vhost),
		rabbitmq.WithLockDuration(r.LockDuration),
		rabbitmq.WithMaxChannels(r.MaxChannels),
		rabbitmq.WithConfirmTimeout(r.ConfirmTimeout),
		rabbitmq.WithChannelWait(r.ChannelWait),
	}
	if r.Prefetch > 0 {
		opts = append(opts, rabbitmq.WithPrefetch(r.Prefetch))
	}
	if r.Insecure {
		opts = append(opts, rabbitmq.WithInsecureTransport())
	}
	if r.DelayedExchange != "" {
		opts = append(opts, rabbitmq.WithDelayedExchange(r.DelayedExchange))
	}
	if len(r.TokenScopes) > 0 {
		opts = append(opts, rabbitmq.WithTokenScopes(r.TokenScopes...))
	}
	if r.TokenUsername != "" {
		opts = append(opts, rabbitmq.WithTokenUsername(r.TokenUsername))
	}
	return rabbitmq.NewDialer(opts...)
}

// Logger builds a slog logger writing to w
func (s *Settings) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if s.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
