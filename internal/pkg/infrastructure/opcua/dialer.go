package opcua

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
)

//ApplicationName identifies the gateway towards the server
const ApplicationName = "opcua-gateway"

var policyURIs = map[session.SecurityPolicy]string{
	session.PolicyNone:           ua.SecurityPolicyURINone,
	session.PolicyBasic128Rsa15:  ua.SecurityPolicyURIBasic128Rsa15,
	session.PolicyBasic256:       ua.SecurityPolicyURIBasic256,
	session.PolicyBasic256Sha256: ua.SecurityPolicyURIBasic256Sha256,
}

var securityModes = map[session.SecurityMode]ua.MessageSecurityMode{
	session.ModeNone:           ua.MessageSecurityModeNone,
	session.ModeSign:           ua.MessageSecurityModeSign,
	session.ModeSignAndEncrypt: ua.MessageSecurityModeSignAndEncrypt,
}

//Dialer opens gopcua client sessions
type Dialer struct {
	log logging.Logger
}

//NewDialer creates a session.Dialer backed by gopcua
func NewDialer(log logging.Logger) *Dialer {
	return &Dialer{log: log}
}

//Dial discovers the endpoints of cfg.Endpoint, picks the one matching the requested
//security settings and opens a session on it
func (d *Dialer) Dial(ctx context.Context, cfg session.Config) (session.Session, error) {
	endpoints, err := opcua.GetEndpoints(ctx, cfg.Endpoint)
	if err != nil {
		return nil, classify(err)
	}

	ep, err := selectEndpoint(endpoints, cfg)
	if err != nil {
		return nil, err
	}

	tokenType := ua.UserTokenTypeAnonymous
	if cfg.AuthMode == session.AuthUserPassword {
		tokenType = ua.UserTokenTypeUserName
	}

	if !supportsToken(ep, tokenType) {
		return nil, apierr.New(apierr.AuthFailure,
			"authentication failed: %s does not accept %s logins", cfg.Endpoint, cfg.AuthMode)
	}

	opts, err := d.clientOptions(ep, tokenType, cfg)
	if err != nil {
		return nil, err
	}

	// servers often advertise an internal host name, keep the one the caller could reach
	connectURL := cfg.Endpoint
	if ep.EndpointURL != cfg.Endpoint {
		d.log.Debugf("server advertised %s, connecting to %s instead", ep.EndpointURL, cfg.Endpoint)
	}

	client, err := opcua.NewClient(connectURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create opcua client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
		return nil, classify(err)
	}

	return &clientSession{client: client}, nil
}

func (d *Dialer) clientOptions(ep *ua.EndpointDescription, tokenType ua.UserTokenType, cfg session.Config) ([]opcua.Option, error) {
	opts := []opcua.Option{
		opcua.SecurityFromEndpoint(ep, tokenType),
		opcua.ApplicationName(ApplicationName),
		opcua.ApplicationURI(ApplicationURI),
		opcua.SessionName(ApplicationName),
		opcua.RequestTimeout(cfg.RequestTimeoutDuration()),
		opcua.AutoReconnect(false),
	}

	switch tokenType {
	case ua.UserTokenTypeUserName:
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	default:
		opts = append(opts, opcua.AuthAnonymous())
	}

	if ep.SecurityPolicyURI != ua.SecurityPolicyURINone {
		certPEM, keyPEM, err := GenerateCert(cfg.SecurityPolicy, 10*365*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("failed to generate client certificate: %w", err)
		}

		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse client certificate: %w", err)
		}

		pk, ok := cert.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("client certificate has an unexpected key type %T", cert.PrivateKey)
		}

		opts = append(opts, opcua.PrivateKey(pk), opcua.Certificate(cert.Certificate[0]))
	}

	return opts, nil
}

func selectEndpoint(endpoints []*ua.EndpointDescription, cfg session.Config) (*ua.EndpointDescription, error) {
	policyURI := policyURIs[cfg.SecurityPolicy]
	mode := securityModes[cfg.SecurityMode]

	for _, ep := range endpoints {
		if ep != nil && ep.SecurityPolicyURI == policyURI && ep.SecurityMode == mode {
			return ep, nil
		}
	}

	return nil, apierr.New(apierr.SecurityMismatch,
		"security parameters not compatible: %s offers no endpoint with policy %s and mode %s",
		cfg.Endpoint, cfg.SecurityPolicy, cfg.SecurityMode)
}

func supportsToken(ep *ua.EndpointDescription, tokenType ua.UserTokenType) bool {
	if len(ep.UserIdentityTokens) == 0 {
		return tokenType == ua.UserTokenTypeAnonymous
	}

	for _, token := range ep.UserIdentityTokens {
		if token != nil && token.TokenType == tokenType {
			return true
		}
	}

	return false
}
