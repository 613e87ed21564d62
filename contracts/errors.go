package contracts

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a missing or invalid identifying argument.
// It is detected before any network call and is never retried.
type ConfigurationError struct {
	Field  string // Offending field, e.g. "credential.namespace"
	Reason string
	Err    error // Optional underlying cause
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("servicebus configuration error: %s %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("servicebus configuration error: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ProvisioningError reports an existence check or create call that failed for a
// reason other than the entity already existing
type ProvisioningError struct {
	Entity EntityReference
	Op     string // "exists" or "create"
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("servicebus provisioning error: %s %s failed: %v", e.Op, e.Entity, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// ArgumentError reports an invalid call argument, such as an empty batch
type ArgumentError struct {
	Argument string
	Reason   string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("servicebus argument error: %s %s", e.Argument, e.Reason)
}

// SerializationError reports a payload that cannot be encoded to or decoded from JSON
type SerializationError struct {
	Op        string // "encode" or "decode"
	TypeName  string
	MessageID string
	Err       error
}

func (e *SerializationError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("servicebus serialization error: %s %s for message %s: %v", e.Op, e.TypeName, e.MessageID, e.Err)
	}
	return fmt.Sprintf("servicebus serialization error: %s %s: %v", e.Op, e.TypeName, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// TransportError reports a network or broker fault surfaced after retries were exhausted
type TransportError struct {
	Op       string
	Entity   EntityReference
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("servicebus transport error: %s on %s failed after %d attempts: %v", e.Op, e.Entity, e.Attempts, e.Err)
	}
	return fmt.Sprintf("servicebus transport error: %s on %s failed: %v", e.Op, e.Entity, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProcessingError reports a subscriber callback failure. The message stays
// locked and is redelivered once its lock expires.
type ProcessingError struct {
	Entity        EntityReference
	MessageID     string
	DeliveryCount int
	Err           error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("servicebus processing error: message %s from %s (delivery %d): %v",
		e.MessageID, e.Entity, e.DeliveryCount, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsArgumentError reports whether err is or wraps an ArgumentError
func IsArgumentError(err error) bool {
	var target *ArgumentError
	return errors.As(err, &target)
}

// IsSerializationError reports whether err is or wraps a SerializationError
func IsSerializationError(err error) bool {
	var target *SerializationError
	return errors.As(err, &target)
}

// IsTransportError reports whether err is or wraps a TransportError
func IsTransportError(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsProvisioningError reports whether err is or wraps a ProvisioningError
func IsProvisioningError(err error) bool {
	var target *ProvisioningError
	return errors.As(err, &target)
}

// IsProcessingError reports whether err is or wraps a ProcessingError
func IsProcessingError(err error) bool {
	var target *ProcessingError
	return errors.As(err, &target)
}
