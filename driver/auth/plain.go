// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import "context"

// Plain is the mechanism name for LDAP-proxied PLAIN authentication.
const Plain = "PLAIN"

func newPlainAuthenticator(cred *Cred) (Authenticator, error) {
	return &PlainAuthenticator{
		source: authSource(cred),
		username: cred.Username,
		password: cred.Password,
	}, nil
}

// PlainAuthenticator implements the PLAIN SASL mechanism (RFC 4616), used
// to proxy credentials to an external LDAP server.
type PlainAuthenticator struct {
	source string
	username string
	password string
}

// Auth authenticates the connection.
func (a *PlainAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	if err := ConductSaslConversation(ctx, cfg, a.source, &plainSaslAdapter{username: a.username, password: a.password}); err != nil {
		return newAuthError("PLAIN authentication failed", err)
	}
	return nil
}

type plainSaslAdapter struct {
	username string
	password string
	done bool
}

func (a *plainSaslAdapter) Start() (string, []byte, error) {
	// authzid NUL authcid NUL passwd, per RFC 4616.
	payload := []byte("\x00" + a.username + "\x00" + a.password)
	a.done = true
	return Plain, payload, nil
}

func (a *plainSaslAdapter) Next([]byte) ([]byte, error) {
	return nil, nil
}

func (a *plainSaslAdapter) Completed() bool {
	return a.done
}
