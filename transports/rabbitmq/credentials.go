package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/credentials"
)

// endpoint is the resolved form of a credential
type endpoint struct {
	url string
	// token is set for token credentials; a fresh token is fetched for every dial
	token azcore.TokenCredential
}

func (d *Dialer) resolve(cred credentials.Credential) (endpoint, error) {
	return credentials.Match(cred, credentials.Cases[endpoint]{
		ConnectionSecret: func(c credentials.ConnectionSecret) (endpoint, error) {
			if _, err := amqp.ParseURI(c.ConnectionString); err != nil {
				return endpoint{}, &contracts.ConfigurationError{
					Field:  "credential.connection_string",
					Reason: "is not an AMQP URI",
					Err:    err,
				}
			}
			return endpoint{url: c.ConnectionString}, nil
		},
		SharedKey: func(k credentials.NamespaceSharedKey) (endpoint, error) {
			u, err := d.namespaceURL(k.Namespace, url.UserPassword(k.KeyName, k.Key))
			return endpoint{url: u}, err
		},
		Token: func(t credentials.NamespaceToken) (endpoint, error) {
			if len(d.tokenScopes) == 0 {
				return endpoint{}, &contracts.ConfigurationError{
					Field:  "credential.provider",
					Reason: "requires token scopes for RabbitMQ",
				}
			}
			u, err := d.namespaceURL(t.Namespace, nil)
			return endpoint{url: u, token: t.Provider}, err
		},
		Sas: func(credentials.NamespaceSas) (endpoint, error) {
			return endpoint{}, &contracts.ConfigurationError{
				Field:  "credential.signature",
				Reason: "shared access signatures are not supported by RabbitMQ",
			}
		},
	})
}

// namespaceURL builds an AMQP URL from a host, "host:port" or full URL
func (d *Dialer) namespaceURL(namespace string, user *url.Userinfo) (string, error) {
	scheme := d.scheme
	host := namespace
	if i := strings.Index(namespace, "://"); i >= 0 {
		scheme = namespace[:i]
		host = namespace[i+3:]
	}
	host = strings.TrimSuffix(host, "/")
	if scheme != "amqp" && scheme != "amqps" {
		return "", &contracts.ConfigurationError{Field: "credential.namespace", Reason: fmt.Sprintf("has unsupported scheme %q", scheme)}
	}
	if host == "" || strings.ContainsAny(host, "/@") {
		return "", &contracts.ConfigurationError{Field: "credential.namespace", Reason: "is not a host name"}
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := 5671
		if scheme == "amqp" {
			port = 5672
		}
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}

	u := url.URL{Scheme: scheme, User: user, Host: host, Path: "/" + d.vhost}
	if d.vhost == "/" {
		u.Path = "/"
	}
	return u.String(), nil
}

// auth fetches a token and presents it as the PLAIN password
func (e endpoint) auth(ctx context.Context, scopes []string, username string) (amqp.Authentication, error) {
	tok, err := e.token.GetToken(ctx, policy.TokenRequestOptions{Scopes: scopes})
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &amqp.PlainAuth{Username: username, Password: tok.Token}, nil
}
