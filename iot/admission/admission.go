/*Package admission decides whether an incoming broker connection is allowed
and binds the device's chip identity to its connection.

Credentials arrive either as connect properties (ApiKey and ChipId, matched
case-insensitively) or, for older firmware, as the plain username carrying
the api key with the client identifier doubling as chip identity.
*/
package admission

import (
	"context"
	"strings"
	"time"

	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/directory"
)

// Property is a single key/value connect property.
type Property struct {
	Key   string
	Value string
}

// ConnectRequest carries the credential material of one connection attempt.
type ConnectRequest struct {
	ClientID string
	Username string
	// Properties are the connect properties, when the protocol version
	// carries them. SupportsProperties distinguishes an empty property list
	// from a protocol that has none.
	Properties         []Property
	SupportsProperties bool
}

// Decision is the terminal outcome of an admission check.
type Decision struct {
	Accepted bool
	// ChipID is the resolved chip identity; only meaningful when accepted.
	ChipID string
	Reason string
}

// Controller validates connection attempts against the configured api keys
// and records the chip-to-client binding of accepted connections.
type Controller struct {
	apiKeys    map[string]bool
	dir        directory.Directory
	bindingTTL time.Duration
}

// New returns a Controller accepting the given api keys. A nil directory
// disables binding writes.
func New(apiKeys []string, dir directory.Directory, bindingTTL time.Duration) *Controller {
	keys := make(map[string]bool, len(apiKeys))
	for _, key := range apiKeys {
		if key != "" {
			keys[key] = true
		}
	}
	return &Controller{apiKeys: keys, dir: dir, bindingTTL: bindingTTL}
}

// credentials extracts api key and chip identity from the request. Connect
// properties win over the legacy username scheme.
func credentials(req ConnectRequest) (apiKey, chipID string) {
	if req.SupportsProperties {
		for _, p := range req.Properties {
			switch {
			case strings.EqualFold(p.Key, "ApiKey"):
				apiKey = p.Value
			case strings.EqualFold(p.Key, "ChipId"):
				chipID = p.Value
			}
		}
	} else {
		apiKey = req.Username
	}
	if chipID == "" {
		chipID = req.ClientID
	}
	return
}

// Admit checks the request and, on success, writes the chip-to-client
// binding. A failing binding write does not reject the connection; the
// binding is retried on the device's first status report.
//
// There is deliberately no disconnect-time counterpart: a reconnecting
// device reuses its client identity in the legacy scheme, so the superseded
// connection's close races the new connect and a removal there would strip
// the live session of its binding. The binding is last-write-wins; stale
// entries are overwritten by the next connect or expire with the TTL.
func (c *Controller) Admit(ctx context.Context, req ConnectRequest) Decision {
	rlog := logger.FromContext(ctx)
	apiKey, chipID := credentials(req)
	if apiKey == "" {
		return Decision{Reason: "no api key presented"}
	}
	if !c.apiKeys[apiKey] {
		return Decision{Reason: "unknown api key"}
	}
	if c.dir != nil {
		if err := c.dir.Set(ctx, chipID, req.ClientID, c.bindingTTL); err != nil {
			rlog.WithError(err).Warnf("could not bind chip %s to client %s", chipID, req.ClientID)
		}
	}
	return Decision{Accepted: true, ChipID: chipID}
}
