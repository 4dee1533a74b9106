// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/driver"
)

// MongoDBX509 is the mechanism name for X.509 client-certificate auth.
const MongoDBX509 = "MONGODB-X509"

func newMongoDBX509Authenticator(cred *Cred) (Authenticator, error) {
	return &MongoDBX509Authenticator{username: cred.Username}, nil
}

// MongoDBX509Authenticator authenticates using the subject name of the TLS
// client certificate already presented during the connection's TLS
// handshake; there is no SASL conversation, just a single `authenticate`
// command.
type MongoDBX509Authenticator struct {
	username string
}

// Auth authenticates the connection.
func (a *MongoDBX509Authenticator) Auth(ctx context.Context, cfg *Config) error {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "authenticate", 1)
	dst = bsoncore.AppendStringElement(dst, "mechanism", MongoDBX509)
	if a.username != "" {
		// Modern servers derive the username from the certificate subject
		// and reject an explicit mismatch, but accept an explicit match or
		// an omitted username; send it only when the caller configured one.
		dst = bsoncore.AppendStringElement(dst, "user", a.username)
	}
	cmd, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return newAuthError("building authenticate command", err)
	}

	if _, err := driver.RunCommand(ctx, cfg.Connection, "$external", cmd); err != nil {
		return newAuthError("MONGODB-X509 authentication failed", err)
	}
	return nil
}
