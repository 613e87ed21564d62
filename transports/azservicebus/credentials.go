package azservicebus

import (
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	"github.com/glimte/servicebus-go/credentials"
	"github.com/glimte/servicebus-go/messaging"
)

// clientSource is the resolved form of a credential: either a connection
// string or a namespace with a token credential
type clientSource struct {
	connectionString string
	namespace        string
	token            azcore.TokenCredential
}

func resolve(cred credentials.Credential) (clientSource, error) {
	return credentials.Match(cred, credentials.Cases[clientSource]{
		ConnectionSecret: func(c credentials.ConnectionSecret) (clientSource, error) {
			return clientSource{connectionString: c.ConnectionString}, nil
		},
		SharedKey: func(k credentials.NamespaceSharedKey) (clientSource, error) {
			return clientSource{connectionString: SharedKeyConnectionString(k.Namespace, k.KeyName, k.Key)}, nil
		},
		Token: func(t credentials.NamespaceToken) (clientSource, error) {
			return clientSource{namespace: normalizeNamespace(t.Namespace), token: t.Provider}, nil
		},
		Sas: func(s credentials.NamespaceSas) (clientSource, error) {
			return clientSource{connectionString: SasConnectionString(s.Namespace, s.Signature)}, nil
		},
	})
}

// SharedKeyConnectionString builds a connection string for a named shared access key
func SharedKeyConnectionString(namespace, keyName, key string) string {
	return fmt.Sprintf("Endpoint=sb://%s/;SharedAccessKeyName=%s;SharedAccessKey=%s",
		normalizeNamespace(namespace), keyName, key)
}

// SasConnectionString builds a connection string for a pre-computed shared access signature
func SasConnectionString(namespace, signature string) string {
	return fmt.Sprintf("Endpoint=sb://%s/;SharedAccessSignature=%s", normalizeNamespace(namespace), signature)
}

// normalizeNamespace strips a scheme and trailing slash so a namespace can be
// given either as a host name or as an endpoint
func normalizeNamespace(ns string) string {
	for _, prefix := range []string{"sb://", "amqps://", "https://"} {
		ns = strings.TrimPrefix(ns, prefix)
	}
	return strings.TrimSuffix(ns, "/")
}

func (s clientSource) newClient(opts *azservicebus.ClientOptions) (*azservicebus.Client, error) {
	if s.token != nil {
		return azservicebus.NewClient(s.namespace, s.token, opts)
	}
	return azservicebus.NewClientFromConnectionString(s.connectionString, opts)
}

func (s clientSource) newAdminClient() (*admin.Client, error) {
	// Provisioning calls are issued once.
	opts := &admin.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
	if s.token != nil {
		return admin.NewClient(s.namespace, s.token, opts)
	}
	return admin.NewClientFromConnectionString(s.connectionString, opts)
}

// retryOptions maps a retry policy onto the SDK's own retry settings. The SDK
// treats zero values as "use the default", so zero is expressed as a negative value.
func retryOptions(p messaging.RetryPolicy) azservicebus.RetryOptions {
	opts := azservicebus.RetryOptions{
		MaxRetries:    int32(p.MaxRetries),
		RetryDelay:    p.InitialDelay,
		MaxRetryDelay: p.MaxDelay,
	}
	if p.Mode == messaging.RetryFixed {
		opts.MaxRetryDelay = p.InitialDelay
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = -1
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = -1
	}
	if opts.MaxRetryDelay == 0 {
		opts.MaxRetryDelay = -1
	}
	return opts
}
