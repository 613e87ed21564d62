// Package credentials describes how a client authenticates to a namespace.
//
// A Credential is exactly one of four variants. Callers build one of the
// structs below and transports resolve it with Match, which forces every
// variant to be handled.
package credentials

import (
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/glimte/servicebus-go/contracts"
)

// ErrUnhandledVariant is returned by Match when a case function is missing
var ErrUnhandledVariant = errors.New("credentials: unhandled credential variant")

// Credential is the closed set of authentication variants
type Credential interface {
	// Validate checks that every field of the variant is present
	Validate() error
	// Kind names the variant for logs
	Kind() string

	sealed()
}

// ConnectionSecret authenticates with a full connection string
type ConnectionSecret struct {
	ConnectionString string
}

// NamespaceSharedKey authenticates with a named shared access key
type NamespaceSharedKey struct {
	Namespace string // Fully qualified, e.g. "contoso.servicebus.windows.net"
	KeyName   string
	Key       string
}

// NamespaceToken authenticates with tokens obtained from an identity provider
type NamespaceToken struct {
	Namespace string
	Provider  azcore.TokenCredential
}

// NamespaceSas authenticates with a pre-computed shared access signature
type NamespaceSas struct {
	Namespace string
	Signature string
}

func (ConnectionSecret) sealed()   {}
func (NamespaceSharedKey) sealed() {}
func (NamespaceToken) sealed()     {}
func (NamespaceSas) sealed()       {}

// Kind implements Credential
func (ConnectionSecret) Kind() string { return "connection-string" }

// Kind implements Credential
func (NamespaceSharedKey) Kind() string { return "shared-key" }

// Kind implements Credential
func (NamespaceToken) Kind() string { return "token" }

// Kind implements Credential
func (NamespaceSas) Kind() string { return "sas" }

// Validate implements Credential
func (c ConnectionSecret) Validate() error {
	return required("credential.connection_string", c.ConnectionString)
}

// Validate implements Credential
func (c NamespaceSharedKey) Validate() error {
	if err := required("credential.namespace", c.Namespace); err != nil {
		return err
	}
	if err := required("credential.key_name", c.KeyName); err != nil {
		return err
	}
	return required("credential.key", c.Key)
}

// Validate implements Credential
func (c NamespaceToken) Validate() error {
	if err := required("credential.namespace", c.Namespace); err != nil {
		return err
	}
	if c.Provider == nil {
		return &contracts.ConfigurationError{Field: "credential.provider", Reason: "must not be nil"}
	}
	return nil
}

// Validate implements Credential
func (c NamespaceSas) Validate() error {
	if err := required("credential.namespace", c.Namespace); err != nil {
		return err
	}
	return required("credential.signature", c.Signature)
}

// Validate checks c, treating a nil credential as a configuration error
func Validate(c Credential) error {
	if c == nil {
		return &contracts.ConfigurationError{Field: "credential", Reason: "must not be nil"}
	}
	return c.Validate()
}

// Cases holds one handler per credential variant
type Cases[R any] struct {
	ConnectionSecret func(ConnectionSecret) (R, error)
	SharedKey        func(NamespaceSharedKey) (R, error)
	Token            func(NamespaceToken) (R, error)
	Sas              func(NamespaceSas) (R, error)
}

// Match validates c and dispatches it to the handler for its variant.
// Pointer variants are accepted and dereferenced.
func Match[R any](c Credential, cases Cases[R]) (R, error) {
	var zero R
	if err := Validate(c); err != nil {
		return zero, err
	}

	switch v := c.(type) {
	case ConnectionSecret:
		return call(cases.ConnectionSecret, v)
	case *ConnectionSecret:
		return call(cases.ConnectionSecret, *v)
	case NamespaceSharedKey:
		return call(cases.SharedKey, v)
	case *NamespaceSharedKey:
		return call(cases.SharedKey, *v)
	case NamespaceToken:
		return call(cases.Token, v)
	case *NamespaceToken:
		return call(cases.Token, *v)
	case NamespaceSas:
		return call(cases.Sas, v)
	case *NamespaceSas:
		return call(cases.Sas, *v)
	default:
		return zero, fmt.Errorf("%w: %T", ErrUnhandledVariant, c)
	}
}

// Describe returns a log-safe summary of c that never includes secrets
func Describe(c Credential) string {
	if c == nil {
		return "<nil>"
	}
	s, err := Match(c, Cases[string]{
		ConnectionSecret: func(ConnectionSecret) (string, error) { return "connection-string", nil },
		SharedKey: func(k NamespaceSharedKey) (string, error) {
			return fmt.Sprintf("shared-key(%s, %s)", k.Namespace, k.KeyName), nil
		},
		Token: func(t NamespaceToken) (string, error) { return fmt.Sprintf("token(%s)", t.Namespace), nil },
		Sas:   func(s NamespaceSas) (string, error) { return fmt.Sprintf("sas(%s)", s.Namespace), nil },
	})
	if err != nil {
		return c.Kind() + "(invalid)"
	}
	return s
}

func call[V any, R any](fn func(V) (R, error), v V) (R, error) {
	if fn == nil {
		var zero R
		return zero, fmt.Errorf("%w: %T", ErrUnhandledVariant, v)
	}
	return fn(v)
}

func required(field, value string) error {
	if value == "" {
		return &contracts.ConfigurationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}
