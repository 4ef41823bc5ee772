package delivery

import (
	"errors"
	"net/http"

	"hostagent/internal/collector"
	"hostagent/internal/config"
)

// action is what the pipeline does with a result after one send attempt.
type action int

const (
	delivered action = iota
	duplicate
	transient
	erroneous
	stale
	reauth
	deprovision
)

func (a action) String() string {
	switch a {
	case delivered:
		return "delivered"
	case duplicate:
		return "duplicate"
	case transient:
		return "transient"
	case erroneous:
		return "erroneous"
	case stale:
		return "stale"
	case reauth:
		return "reauth"
	case deprovision:
		return "deprovision"
	}
	return "unknown"
}

// classify maps the outcome of PostResult to an action. Anything that is
// not a server rejection is a transport failure and therefore transient.
func classify(err error, codes config.Codes) action {
	if err == nil {
		return delivered
	}
	var se *collector.StatusError
	if !errors.As(err, &se) {
		return transient
	}
	if se.StatusCode == http.StatusConflict {
		return duplicate
	}
	switch se.Code {
	case codes.Duplicate:
		return duplicate
	case codes.AgentRemoved:
		return deprovision
	case codes.SessionInvalid:
		return reauth
	case codes.PayloadMissing:
		return erroneous
	case codes.UnknownActivity, codes.NotAuthorized:
		return stale
	}
	if se.StatusCode == http.StatusUnauthorized && se.Code == 0 {
		return reauth
	}
	return transient
}
