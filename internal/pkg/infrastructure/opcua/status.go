package opcua

import (
	"errors"

	"github.com/gopcua/opcua/ua"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
)

var statusCategories = []struct {
	category apierr.Category
	codes    []ua.StatusCode
}{
	{apierr.SessionLost, []ua.StatusCode{
		ua.StatusBadSessionIDInvalid,
		ua.StatusBadSessionClosed,
		ua.StatusBadSessionNotActivated,
		ua.StatusBadSecureChannelIDInvalid,
		ua.StatusBadSecureChannelClosed,
		ua.StatusBadConnectionClosed,
		ua.StatusBadServerNotConnected,
		ua.StatusBadCommunicationError,
		ua.StatusBadNotConnected,
	}},
	{apierr.Timeout, []ua.StatusCode{
		ua.StatusBadTimeout,
		ua.StatusBadRequestTimeout,
	}},
	{apierr.AuthFailure, []ua.StatusCode{
		ua.StatusBadUserAccessDenied,
		ua.StatusBadIdentityTokenInvalid,
		ua.StatusBadIdentityTokenRejected,
	}},
	{apierr.SecurityMismatch, []ua.StatusCode{
		ua.StatusBadSecurityPolicyRejected,
		ua.StatusBadSecurityModeRejected,
		ua.StatusBadSecurityChecksFailed,
		ua.StatusBadCertificateInvalid,
	}},
	{apierr.ConnectRefused, []ua.StatusCode{
		ua.StatusBadConnectionRejected,
	}},
}

//categoryOf maps an OPC UA status code found in err to a gateway error category
func categoryOf(err error) (apierr.Category, bool) {
	for _, sc := range statusCategories {
		for _, code := range sc.codes {
			if errors.Is(err, code) {
				return sc.category, true
			}
		}
	}
	return "", false
}

//classify tags a gopcua error with a category when its status code is known, and
//leaves text based classification to the caller otherwise
func classify(err error) error {
	if err == nil {
		return nil
	}

	category, ok := categoryOf(err)
	if !ok {
		return err
	}

	switch category {
	case apierr.SessionLost:
		return apierr.Wrap(category, err, "connection lost")
	case apierr.Timeout:
		return apierr.Wrap(category, err, "request timeout (ETIMEDOUT)")
	case apierr.AuthFailure:
		return apierr.Wrap(category, err, "authentication failed")
	case apierr.SecurityMismatch:
		return apierr.Wrap(category, err, "security parameters not compatible")
	}

	return apierr.Wrap(category, err, "connection refused (ECONNREFUSED)")
}

//statusError turns a bad status returned for a single operation into an error
func statusError(code ua.StatusCode, op, nodeID string) error {
	if _, ok := categoryOf(code); ok {
		return classify(code)
	}
	return apierr.Wrap(apierr.Operation, code, "%s failed for node %s", op, nodeID)
}

//Quality maps a status code onto the three OPC UA quality classes
func Quality(code ua.StatusCode) string {
	switch uint32(code) & 0xC0000000 {
	case 0:
		return "Good"
	case 0x40000000:
		return "Uncertain"
	}
	return "Bad"
}
