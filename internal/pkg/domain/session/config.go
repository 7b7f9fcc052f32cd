package session

import (
	"strings"
	"time"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
)

//SecurityPolicy names the OPC UA security policy used for the secure channel
type SecurityPolicy string

const (
	PolicyNone           SecurityPolicy = "None"
	PolicyBasic128Rsa15  SecurityPolicy = "Basic128Rsa15"
	PolicyBasic256       SecurityPolicy = "Basic256"
	PolicyBasic256Sha256 SecurityPolicy = "Basic256Sha256"
)

//SecurityMode names the OPC UA message security mode
type SecurityMode string

const (
	ModeNone           SecurityMode = "None"
	ModeSign           SecurityMode = "Sign"
	ModeSignAndEncrypt SecurityMode = "SignAndEncrypt"
)

//AuthMode selects how the session authenticates
type AuthMode string

const (
	AuthAnonymous    AuthMode = "Anonymous"
	AuthUserPassword AuthMode = "UserPassword"
)

//Config describes how to reach and authenticate against one OPC UA server.
//All timing values are in milliseconds.
type Config struct {
	Endpoint          string         `json:"endpoint" yaml:"endpoint"`
	SecurityPolicy    SecurityPolicy `json:"securityPolicy" yaml:"securityPolicy"`
	SecurityMode      SecurityMode   `json:"securityMode" yaml:"securityMode"`
	AuthMode          AuthMode       `json:"authType" yaml:"authType"`
	Username          string         `json:"username,omitempty" yaml:"username,omitempty"`
	Password          string         `json:"password,omitempty" yaml:"-"`
	ConnectionTimeout int            `json:"connectionTimeout" yaml:"connectionTimeout"`
	MaxRetry          int            `json:"maxRetry" yaml:"maxRetry"`
	RequestTimeout    int            `json:"requestTimeout" yaml:"requestTimeout"`
	KeepAliveInterval int            `json:"keepAliveInterval" yaml:"keepAliveInterval"`
}

//DefaultConfig returns the settings used when a caller leaves fields out
func DefaultConfig() Config {
	return Config{
		Endpoint:          "opc.tcp://192.168.0.153:4840",
		SecurityPolicy:    PolicyNone,
		SecurityMode:      ModeNone,
		AuthMode:          AuthAnonymous,
		ConnectionTimeout: 10000,
		MaxRetry:          3,
		RequestTimeout:    30000,
		KeepAliveInterval: 5000,
	}
}

//WithDefaults fills every unset field except the endpoint and credentials from defaults
func (c Config) WithDefaults(defaults Config) Config {
	c.Endpoint = strings.TrimSpace(c.Endpoint)

	if c.SecurityPolicy == "" {
		c.SecurityPolicy = defaults.SecurityPolicy
	}
	if c.SecurityMode == "" {
		c.SecurityMode = defaults.SecurityMode
	}
	if c.AuthMode == "" {
		c.AuthMode = defaults.AuthMode
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaults.MaxRetry
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaults.KeepAliveInterval
	}

	return c
}

//Validate checks the config before any I/O takes place
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return apierr.New(apierr.Config, "endpoint must not be empty")
	}

	if !strings.HasPrefix(c.Endpoint, "opc.tcp://") {
		return apierr.New(apierr.Config, "endpoint %q must use the opc.tcp:// scheme", c.Endpoint)
	}

	switch c.SecurityPolicy {
	case PolicyNone, PolicyBasic128Rsa15, PolicyBasic256, PolicyBasic256Sha256:
	default:
		return apierr.New(apierr.Config, "unknown security policy %q", c.SecurityPolicy)
	}

	switch c.SecurityMode {
	case ModeNone, ModeSign, ModeSignAndEncrypt:
	default:
		return apierr.New(apierr.Config, "unknown security mode %q", c.SecurityMode)
	}

	if (c.SecurityPolicy == PolicyNone) != (c.SecurityMode == ModeNone) {
		return apierr.New(apierr.Config,
			"security parameter mismatch: policy %s cannot be combined with mode %s", c.SecurityPolicy, c.SecurityMode)
	}

	switch c.AuthMode {
	case AuthAnonymous:
		if c.Username != "" || c.Password != "" {
			return apierr.New(apierr.Config, "credentials must not be supplied for anonymous authentication")
		}
	case AuthUserPassword:
		if strings.TrimSpace(c.Username) == "" || c.Password == "" {
			return apierr.New(apierr.Config, "username and password are required for UserPassword authentication")
		}
	default:
		return apierr.New(apierr.Config, "unknown authentication type %q", c.AuthMode)
	}

	return nil
}

//ConnectionTimeoutDuration returns the per attempt connect timeout
func (c Config) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Millisecond
}

//RequestTimeoutDuration returns the timeout applied to every session level call
func (c Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

//KeepAliveDuration returns the heartbeat period
func (c Config) KeepAliveDuration() time.Duration {
	return time.Duration(c.KeepAliveInterval) * time.Millisecond
}

//Redacted returns a copy without the password
func (c Config) Redacted() Config {
	c.Password = ""
	return c
}
