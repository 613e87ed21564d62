package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
)

type staticToken struct{}

func (staticToken) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "t", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		cred  Credential
		field string
	}{
		{"nil", nil, "credential"},
		{"connection string", ConnectionSecret{ConnectionString: "Endpoint=sb://x/"}, ""},
		{"empty connection string", ConnectionSecret{}, "credential.connection_string"},
		{"shared key", NamespaceSharedKey{Namespace: "ns", KeyName: "k", Key: "v"}, ""},
		{"shared key without namespace", NamespaceSharedKey{KeyName: "k", Key: "v"}, "credential.namespace"},
		{"shared key without name", NamespaceSharedKey{Namespace: "ns", Key: "v"}, "credential.key_name"},
		{"shared key without key", NamespaceSharedKey{Namespace: "ns", KeyName: "k"}, "credential.key"},
		{"token", NamespaceToken{Namespace: "ns", Provider: staticToken{}}, ""},
		{"token without provider", NamespaceToken{Namespace: "ns"}, "credential.provider"},
		{"token without namespace", NamespaceToken{Provider: staticToken{}}, "credential.namespace"},
		{"sas", NamespaceSas{Namespace: "ns", Signature: "SharedAccessSignature sr=x"}, ""},
		{"sas without signature", NamespaceSas{Namespace: "ns"}, "credential.signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cred)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *contracts.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestMatch(t *testing.T) {
	cases := Cases[string]{
		ConnectionSecret: func(c ConnectionSecret) (string, error) { return "conn:" + c.ConnectionString, nil },
		SharedKey:        func(k NamespaceSharedKey) (string, error) { return "key:" + k.KeyName, nil },
		Token:            func(t NamespaceToken) (string, error) { return "token:" + t.Namespace, nil },
		Sas:              func(s NamespaceSas) (string, error) { return "sas:" + s.Namespace, nil },
	}

	t.Run("dispatches every variant", func(t *testing.T) {
		tests := []struct {
			cred     Credential
			expected string
		}{
			{ConnectionSecret{ConnectionString: "x"}, "conn:x"},
			{&ConnectionSecret{ConnectionString: "y"}, "conn:y"},
			{NamespaceSharedKey{Namespace: "ns", KeyName: "root", Key: "v"}, "key:root"},
			{NamespaceToken{Namespace: "ns", Provider: staticToken{}}, "token:ns"},
			{NamespaceSas{Namespace: "ns", Signature: "sig"}, "sas:ns"},
		}
		for _, tt := range tests {
			got, err := Match(tt.cred, cases)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		}
	})

	t.Run("validates before dispatch", func(t *testing.T) {
		called := false
		_, err := Match(Credential(ConnectionSecret{}), Cases[int]{
			ConnectionSecret: func(ConnectionSecret) (int, error) { called = true; return 0, nil },
		})
		assert.True(t, contracts.IsConfigurationError(err))
		assert.False(t, called)
	})

	t.Run("missing case is reported", func(t *testing.T) {
		_, err := Match(Credential(NamespaceSas{Namespace: "ns", Signature: "sig"}), Cases[int]{})
		assert.ErrorIs(t, err, ErrUnhandledVariant)
	})

	t.Run("handler errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := Match(Credential(ConnectionSecret{ConnectionString: "x"}), Cases[int]{
			ConnectionSecret: func(ConnectionSecret) (int, error) { return 0, boom },
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "connection-string", Describe(ConnectionSecret{ConnectionString: "Endpoint=sb://x/;SharedAccessKey=secret"}))
	assert.Equal(t, "shared-key(ns, root)", Describe(NamespaceSharedKey{Namespace: "ns", KeyName: "root", Key: "secret"}))
	assert.Equal(t, "token(ns)", Describe(NamespaceToken{Namespace: "ns", Provider: staticToken{}}))
	assert.Equal(t, "sas(ns)", Describe(NamespaceSas{Namespace: "ns", Signature: "secret"}))
	assert.Equal(t, "shared-key(invalid)", Describe(NamespaceSharedKey{}))
	assert.Equal(t, "<nil>", Describe(nil))
	assert.NotContains(t, Describe(NamespaceSharedKey{Namespace: "ns", KeyName: "root", Key: "secret"}), "secret")
}
