package azservicebus

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/glimte/servicebus-go/internal/reliability"
	"github.com/glimte/servicebus-go/messaging"
)

// classify marks SDK errors as transient or permanent so callers can decide
// whether repeating the call may help
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeTimeout, azservicebus.CodeConnectionLost:
			return reliability.Transient(err)
		case azservicebus.CodeUnauthorizedAccess, azservicebus.CodeLockLost:
			return reliability.Permanent(err)
		}
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusTooManyRequests, respErr.StatusCode >= http.StatusInternalServerError:
			return reliability.Transient(err)
		case respErr.StatusCode >= http.StatusBadRequest:
			return reliability.Permanent(err)
		}
	}

	return err
}

// adminError maps a conflict from a create call to messaging.ErrEntityExists
func adminError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict {
		return errors.Join(messaging.ErrEntityExists, err)
	}
	return classify(err)
}
