package authz

import (
	"context"
	"strings"

	"github.com/relaygate/relaygate/internal/protocol"
	"github.com/relaygate/relaygate/internal/store"
)

// checkAPIKey validates the presented key. Every failure terminates the
// transport so an unauthorized client cannot retry on the same socket.
func (p *Pipeline) checkAPIKey(_ context.Context, req *Request, pending *Pending) (Result, bool) {
	t := pending.tenant
	if !t.APIKeyRequired {
		return okResult, false
	}

	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		return terminate(protocol.ClientError(protocol.CodeMissingAPIKey,
			"Realtime Connection Error - Missing API Key",
			"A valid API Key needs to be provided")), false
	}

	desc := findAPIKey(t.APIKeys, key)
	if desc == nil {
		return terminate(protocol.ClientError(protocol.CodeInvalidAPIKey,
			"Realtime Connection Error - Invalid API Key",
			"Environment does not have such an API key")), false
	}
	if !desc.AllowRealtime {
		return terminate(protocol.ClientError(protocol.CodeUnauthorizedAPIKey,
			"Realtime Connection Error - Unauthorized API Key",
			"The API key is not authorized for realtime service usage")), false
	}
	if desc.Expired(p.now()) {
		return terminate(protocol.ClientError(protocol.CodeExpiredAPIKey,
			"Realtime Connection Error - Expired API Key",
			"The API key has expired")), false
	}

	if desc.DomainAuthorization == store.AuthorizeSpecified {
		if req.Origin == "" {
			return terminate(protocol.ClientError(protocol.CodeMissingRequestOrigin,
				"Realtime Connection Error - Missing Request Origin",
				"The API key only accepts requests from authorized domains")), false
		}
		if !MatchDomain(req.Origin, desc.AuthorizedDomains) {
			return terminate(protocol.ClientError(protocol.CodeDomainNotAuthorized,
				"Realtime Connection Error - Origin Domain Not Authorized",
				"Origin domain '"+req.Origin+"' is not an authorized domain")), false
		}
	}

	if desc.IPAuthorization == store.AuthorizeSpecified {
		if req.ClientIP == "" {
			return terminate(protocol.ClientError(protocol.CodeMissingClientIP,
				"Realtime Connection Error - Missing Client IP",
				"The client IP address cannot be determined")), false
		}
		if !MatchIP(req.ClientIP, desc.AuthorizedIPs) {
			return terminate(protocol.ClientError(protocol.CodeIPNotAuthorized,
				"Realtime Connection Error - IP Address Not Authorized",
				"IP address '"+req.ClientIP+"' is not whitelisted")), false
		}
	}

	pending.APIKey = desc
	return okResult, false
}

// findAPIKey returns the first descriptor whose key equals key.
func findAPIKey(keys []store.APIKey, key string) *store.APIKey {
	for i := range keys {
		if keys[i].Key == key {
			return &keys[i]
		}
	}
	return nil
}
