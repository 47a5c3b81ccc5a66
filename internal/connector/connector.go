// Package connector provides the sync endpoints: the host API, HTTP services,
// SQL tables, data files and bus-attached external systems.
package connector

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/opensource-finance/loanwatch/internal/domain"
)

// ErrUnsupported is returned for operations an endpoint cannot perform.
var ErrUnsupported = errors.New("operation not supported")

// Deps are the shared resources connectors are built from.
type Deps struct {
	API    domain.HostAPI
	DB     *sql.DB
	Driver string
	Bus    domain.EventBus
	HTTP   *http.Client
}

// New creates the connector for an endpoint.
func New(ep domain.Endpoint, deps Deps) (domain.Connector, error) {
	switch ep.Type {
	case domain.EndpointAPI:
		if ep.URL != "" {
			return NewHTTP(ep.URL, ep.Token, deps.HTTP), nil
		}
		if deps.API == nil {
			return nil, fmt.Errorf("api endpoint requires a url or a host API")
		}
		return NewHost(deps.API), nil
	case domain.EndpointDatabase:
		if deps.DB == nil {
			return nil, fmt.Errorf("database endpoint requires a database")
		}
		return NewDatabase(deps.DB, deps.Driver, ep.Table)
	case domain.EndpointFile:
		return NewFile(ep.Path)
	case domain.EndpointExternal:
		if deps.Bus == nil {
			return nil, fmt.Errorf("external endpoint requires an event bus")
		}
		return NewExternal(deps.Bus, ep.Subject), nil
	default:
		return nil, fmt.Errorf("unsupported endpoint type: %s", ep.Type)
	}
}

// ReadOnly reports whether c rejects writes.
func ReadOnly(c domain.Connector) bool {
	ro, ok := c.(interface{ ReadOnly() bool })
	return ok && ro.ReadOnly()
}
