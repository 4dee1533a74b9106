// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements the credential/mechanism side of the handshake
// ("Auth"): SCRAM-SHA-1, SCRAM-SHA-256, MONGODB-X509,
// MONGODB-AWS, and PLAIN, plus the speculative-authentication hook the
// handshaker uses to fold the first SASL round trip into the hello reply.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/mnet"
)

// Cred holds the credentials and mechanism properties a Client was
// configured with ("ClientOptions.Credential").
type Cred struct {
	Source string
	Username string
	Password string
	PasswordSet bool
	Mechanism string
	Props map[string]string
}

// Config is the per-connection context an Authenticator runs against.
type Config struct {
	Connection mnet.Connection
	ServerAPI *driver.ServerAPIOptions
	HTTPClient *http.Client

	// SpeculativeAuthenticate, if non-nil, is the server's reply to the
	// `speculativeAuthenticate` document sent alongside the handshake's
	// hello command; a SASL mechanism that finds its conversation ID or
	// first server payload here skips straight to the next round trip
	// instead of re-issuing saslStart (the driver "Supplemented Feature:
	// speculative authentication").
	SpeculativeAuthenticate []byte
}

// Authenticator performs credential verification over an established,
// not-yet-pooled connection.
type Authenticator interface {
	Auth(ctx context.Context, cfg *Config) error
}

// SpeculativeAuthenticator is implemented by mechanisms that can contribute
// a `speculativeAuthenticate` sub-document to the handshake's hello command,
// folding their first SASL round trip into it (the "Supplemented Feature:
// speculative authentication" decision).
type SpeculativeAuthenticator interface {
	Authenticator
	SpeculativeAuthenticate(ctx context.Context) (bsoncore.Document, error)
}

// GSSAPI is the mechanism name for Kerberos authentication (unimplemented;
// see CreateAuthenticator).
const GSSAPI = "GSSAPI"

const defaultAuthSource = "admin"

func authSource(cred *Cred) string {
	if cred.Source != "" {
		return cred.Source
	}
	return defaultAuthSource
}

// CreateAuthenticator builds the Authenticator named by mechanism, per
// mechanism table.
func CreateAuthenticator(cred *Cred) (Authenticator, error) {
	switch cred.Mechanism {
	case "", ScramSHA1, ScramSHA256:
		return newScramAuthenticator(cred)
	case MongoDBX509:
		return newMongoDBX509Authenticator(cred)
	case MongoDBAWS:
		return newMongoDBAWSAuthenticator(cred)
	case Plain:
		return newPlainAuthenticator(cred)
	case GSSAPI:
		// GSSAPI requires a system Kerberos binding (cgo + libkrb5 or
		// sspi on Windows) normally gated behind a `gssapi` build tag.
		// No pure-Go GSSAPI/SASL client is available here, so this
		// mechanism is left unimplemented rather than faked.
		return nil, newAuthError("GSSAPI authentication is not supported in this build", nil)
	default:
		return nil, fmt.Errorf("auth: unknown mechanism %q", cred.Mechanism)
	}
}

// authError wraps a mechanism-level failure with the mechanism name for
// context.
type authError struct {
	message string
	inner error
}

func newAuthError(msg string, inner error) *authError {
	return &authError{message: msg, inner: inner}
}

func (e *authError) Error() string {
	if e.inner != nil {
		return fmt.Sprintf("auth error: %s: %s", e.message, e.inner)
	}
	return fmt.Sprintf("auth error: %s", e.message)
}

func (e *authError) Unwrap() error { return e.inner }
