// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/wingedpig/beacon/internal/relay"
)

// ErrBadCredential rejects a connection whose key is missing or unknown.
var ErrBadCredential = errors.New("invalid credential")

// Authenticator resolves the identity behind an incoming connection. The
// relay trusts the resolved identity; it never re-derives it.
type Authenticator interface {
	// Owner authenticates owner and runner connections.
	Owner(r *http.Request) (relay.Identity, error)
	// Viewer authenticates viewer connections.
	Viewer(r *http.Request) (relay.Identity, error)
}

// StaticKeyAuth authenticates against keys from the config file. Each key
// entry is "userId:secret" (the part before the first colon names the
// user); a bare secret maps to a shared "default" user.
type StaticKeyAuth struct {
	owner  map[string]relay.Identity
	viewer map[string]relay.Identity
}

// NewStaticKeyAuth builds the authenticator. An empty viewer list falls
// back to the owner keys.
func NewStaticKeyAuth(ownerKeys, viewerKeys []string) *StaticKeyAuth {
	if len(viewerKeys) == 0 {
		viewerKeys = ownerKeys
	}
	return &StaticKeyAuth{
		owner:  parseKeys(ownerKeys),
		viewer: parseKeys(viewerKeys),
	}
}

func parseKeys(keys []string) map[string]relay.Identity {
	out := make(map[string]relay.Identity, len(keys))
	for _, entry := range keys {
		user, secret, found := strings.Cut(entry, ":")
		if !found {
			secret = entry
			user = "default"
		}
		out[secret] = relay.Identity{UserID: user, UserName: user}
	}
	return out
}

// requestKey pulls the credential from the Authorization header or the
// key query parameter (browser WebSocket clients cannot set headers).
func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("key")
}

// Owner authenticates owner and runner connections.
func (a *StaticKeyAuth) Owner(r *http.Request) (relay.Identity, error) {
	return lookup(a.owner, r)
}

// Viewer authenticates viewer connections.
func (a *StaticKeyAuth) Viewer(r *http.Request) (relay.Identity, error) {
	return lookup(a.viewer, r)
}

func lookup(keys map[string]relay.Identity, r *http.Request) (relay.Identity, error) {
	ident, ok := keys[requestKey(r)]
	if !ok {
		return relay.Identity{}, ErrBadCredential
	}
	return ident, nil
}
