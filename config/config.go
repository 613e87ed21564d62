// Package config loads client settings from a file and SERVICEBUS_ environment
// variables and turns them into credentials, entity references and endpoint
// configurations.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/glimte/servicebus-go/contracts"
)

// EnvPrefix prefixes every environment variable, e.g. SERVICEBUS_CREDENTIAL_KIND
const EnvPrefix = "SERVICEBUS"

// Transport names
const (
	TransportAzure    = "azservicebus"
	TransportRabbitMQ = "rabbitmq"
)

// Settings is the root of the configuration tree
type Settings struct {
	Transport     string             `mapstructure:"transport" validate:"oneof=azservicebus rabbitmq"`
	ApplicationID string             `mapstructure:"application_id"`
	Credential    CredentialSettings `mapstructure:"credential"`
	Entity        EntitySettings     `mapstructure:"entity"`
	Sender        SenderSettings     `mapstructure:"sender"`
	Receiver      ReceiverSettings   `mapstructure:"receiver"`
	Azure         AzureSettings      `mapstructure:"azure"`
	RabbitMQ      RabbitMQSettings   `mapstructure:"rabbitmq"`
	Log           LogSettings        `mapstructure:"log"`
	HTTP          HTTPSettings       `mapstructure:"http"`
}

// CredentialSettings selects one credential variant by Kind
type CredentialSettings struct {
	Kind             string `mapstructure:"kind" validate:"oneof=connection-string shared-key token sas"`
	ConnectionString string `mapstructure:"connection_string" validate:"required_if=Kind connection-string"`
	Namespace        string `mapstructure:"namespace" validate:"required_unless=Kind connection-string"`
	KeyName          string `mapstructure:"key_name" validate:"required_if=Kind shared-key"`
	Key              string `mapstructure:"key" validate:"required_if=Kind shared-key"`
	Signature        string `mapstructure:"signature" validate:"required_if=Kind sas"`
	TenantID         string `mapstructure:"tenant_id" validate:"required_with=ClientID"`
	ClientID         string `mapstructure:"client_id"`
	ClientSecret     string `mapstructure:"client_secret" validate:"required_with=ClientID"`
}

// EntitySettings names the queue, topic or subscription to work with
type EntitySettings struct {
	Kind         string `mapstructure:"kind" validate:"oneof=queue topic"`
	Name         string `mapstructure:"name" validate:"required"`
	Subscription string `mapstructure:"subscription" validate:"excluded_if=Kind queue"`
}

// RetrySettings mirrors messaging.RetryPolicy
type RetrySettings struct {
	Mode         string        `mapstructure:"mode" validate:"oneof=fixed exponential"`
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"gte=0"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0"`
}

// SenderSettings mirrors messaging.SenderConfig
type SenderSettings struct {
	CanCreate bool          `mapstructure:"can_create"`
	Retry     RetrySettings `mapstructure:"retry"`
}

// ReceiverSettings mirrors messaging.ReceiverConfig
type ReceiverSettings struct {
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls" validate:"gte=1"`
	AckMode            string        `mapstructure:"ack_mode" validate:"oneof=lock-and-complete receive-and-delete"`
	CanCreate          bool          `mapstructure:"can_create"`
	Retry              RetrySettings `mapstructure:"retry"`
}

// AzureSettings configures the Service Bus dialer
type AzureSettings struct {
	TransportType string `mapstructure:"transport_type" validate:"oneof=amqp-tcp amqp-websockets"`
}

// RabbitMQSettings configures the RabbitMQ dialer
type RabbitMQSettings struct {
	Insecure        bool          `mapstructure:"insecure"`
	Vhost           string        `mapstructure:"vhost"`
	DelayedExchange string        `mapstructure:"delayed_exchange"`
	LockDuration    time.Duration `mapstructure:"lock_duration" validate:"gt=0"`
	MaxChannels     int           `mapstructure:"max_channels" validate:"gte=1"`
	TokenScopes     []string      `mapstructure:"token_scopes"`
	TokenUsername   string        `mapstructure:"token_username"`
	Prefetch        int           `mapstructure:"prefetch" validate:"gte=0"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout" validate:"gt=0"`
	ChannelWait     time.Duration `mapstructure:"channel_wait" validate:"gt=0"`
}

// LogSettings configures the slog handler
type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// HTTPSettings configures the health and metrics listener; empty Addr disables it
type HTTPSettings struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportAzure)

	for _, key := range []string{
		"credential.connection_string", "credential.namespace", "credential.key_name",
		"credential.key", "credential.signature", "credential.tenant_id",
		"credential.client_id", "credential.client_secret",
		"entity.name", "entity.subscription",
		"rabbitmq.delayed_exchange", "rabbitmq.token_username", "http.addr", "application_id",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("credential.kind", "connection-string")
	v.SetDefault("entity.kind", "queue")

	v.SetDefault("sender.can_create", false)
	retryDefaults(v, "sender.retry", 10)

	v.SetDefault("receiver.max_concurrent_calls", 10)
	v.SetDefault("receiver.ack_mode", "lock-and-complete")
	v.SetDefault("receiver.can_create", false)
	retryDefaults(v, "receiver.retry", 3)

	v.SetDefault("azure.transport_type", "amqp-tcp")

	v.SetDefault("rabbitmq.insecure", false)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.lock_duration", 30*time.Second)
	v.SetDefault("rabbitmq.max_channels", 16)
	v.SetDefault("rabbitmq.token_scopes", []string{})
	v.SetDefault("rabbitmq.prefetch", 0)
	v.SetDefault("rabbitmq.confirm_timeout", 10*time.Second)
	v.SetDefault("rabbitmq.channel_wait", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func retryDefaults(v *viper.Viper, prefix string, maxRetries int) {
	v.SetDefault(prefix+".mode", "exponential")
	v.SetDefault(prefix+".initial_delay", 800*time.Millisecond)
	v.SetDefault(prefix+".max_delay", time.Minute)
	v.SetDefault(prefix+".max_retries", maxRetries)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Override adjusts decoded settings before they are validated, e.g. from
// command line flags
type Override func(*Settings)

// Load reads settings from path, if given, and the environment. Environment
// variables win over the file and overrides win over both.
func Load(path string, overrides ...Override) (*Settings, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &contracts.ConfigurationError{Field: "config", Reason: "could not be read", Err: err}
		}
	}
	return decode(v, overrides)
}

// LoadFromBytes reads settings from memory. configType is a format supported
// by viper such as "yaml" or "json".
func LoadFromBytes(configType string, data []byte, overrides ...Override) (*Settings, error) {
	if strings.TrimSpace(configType) == "" {
		return nil, &contracts.ConfigurationError{Field: "config", Reason: "type is required"}
	}

	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, &contracts.ConfigurationError{Field: "config", Reason: "could not be parsed", Err: err}
	}
	return decode(v, overrides)
}

func decode(v *viper.Viper, overrides []Override) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, &contracts.ConfigurationError{Field: "config", Reason: "could not be decoded", Err: err}
	}
	for _, override := range overrides {
		override(&s)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks every field and reports the first violation as a
// *contracts.ConfigurationError naming the dotted settings key
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &contracts.ConfigurationError{Field: "config", Reason: "is invalid", Err: err}
	}

	fe := verrs[0]
	_, key, _ := strings.Cut(fe.Namespace(), ".")
	return &contracts.ConfigurationError{
		Field:  key,
		Reason: reason(fe),
		Err:    err,
	}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless", "required_with":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "excluded_if":
		return "must be empty for " + strings.ReplaceAll(fe.Param(), " ", " = ")
	case "gte", "gt":
		return fmt.Sprintf("must be %s %s", map[string]string{"gte": ">=", "gt": ">"}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}
