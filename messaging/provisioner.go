package messaging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/servicebus-go/contracts"
)

// Provisioner makes sure the entities a Sender or Receiver addresses exist.
//
// Existence checks and creates are issued once each; retry policies do not
// apply to them. A create that loses a race with another creator succeeds.
type Provisioner struct {
	policy    ProvisioningPolicy
	transport Transport
	props     EntityProperties
	logger    *slog.Logger
}

// NewProvisioner creates a provisioner for transport
func NewProvisioner(policy ProvisioningPolicy, transport Transport, options ...Option) *Provisioner {
	o := newEndpointOptions(options)
	return &Provisioner{
		policy:    policy,
		transport: transport,
		props:     DefaultEntityProperties(),
		logger:    o.logger,
	}
}

// EnsureEntity creates entity, and for a subscription its topic first, when
// missing. It does nothing when the policy forbids creation.
func (p *Provisioner) EnsureEntity(ctx context.Context, entity contracts.EntityReference) error {
	if !p.policy.CanCreate {
		return nil
	}

	admin, err := p.transport.Administrator()
	if err != nil {
		return &contracts.ProvisioningError{Entity: entity, Op: "admin", Err: err}
	}

	switch entity.Kind {
	case contracts.EntityQueue:
		return p.ensure(ctx, entity, "queue",
			func(ctx context.Context) (bool, error) { return admin.QueueExists(ctx, entity.Name) },
			func(ctx context.Context) error { return admin.CreateQueue(ctx, entity.Name, p.props) },
		)
	case contracts.EntityTopic:
		topic := contracts.Topic(entity.Name)
		if err := p.ensure(ctx, topic, "topic",
			func(ctx context.Context) (bool, error) { return admin.TopicExists(ctx, entity.Name) },
			func(ctx context.Context) error { return admin.CreateTopic(ctx, entity.Name, p.props) },
		); err != nil {
			return err
		}
		if entity.Subscription == "" {
			return nil
		}
		return p.ensure(ctx, entity, "subscription",
			func(ctx context.Context) (bool, error) {
				return admin.SubscriptionExists(ctx, entity.Name, entity.Subscription)
			},
			func(ctx context.Context) error { return admin.CreateSubscription(ctx, entity.Name, entity.Subscription) },
		)
	default:
		return &contracts.ConfigurationError{Field: "entity.kind", Reason: "unknown entity kind"}
	}
}

func (p *Provisioner) ensure(
	ctx context.Context,
	entity contracts.EntityReference,
	kind string,
	exists func(context.Context) (bool, error),
	create func(context.Context) error,
) error {
	found, err := exists(ctx)
	if err != nil {
		return &contracts.ProvisioningError{Entity: entity, Op: "exists", Err: err}
	}
	if found {
		p.logger.Debug("entity exists", "kind", kind, "entity", entity.Path())
		return nil
	}

	if err := create(ctx); err != nil {
		if errors.Is(err, ErrEntityExists) {
			p.logger.Debug("entity created concurrently", "kind", kind, "entity", entity.Path())
			return nil
		}
		return &contracts.ProvisioningError{Entity: entity, Op: "create", Err: err}
	}

	p.logger.Info("entity created", "kind", kind, "entity", entity.Path())
	return nil
}
