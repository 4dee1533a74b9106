// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"hash"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"
)

// SCRAM mechanism names (the driver mechanism table).
const (
	ScramSHA1 = "SCRAM-SHA-1"
	ScramSHA256 = "SCRAM-SHA-256"
)

func newScramAuthenticator(cred *Cred) (Authenticator, error) {
	mechanism := cred.Mechanism
	if mechanism == "" {
		mechanism = ScramSHA256
	}

	passprep := cred.Password
	if mechanism == ScramSHA256 {
		// SASLprep the password per RFC 5802; a password that fails to
		// normalize (e.g. contains prohibited bidi characters) is sent
		// as-is.
		if prepped, err := stringprep.SASLprep(cred.Password); err == nil {
			passprep = prepped
		}
	}

	var hashGen func() hash.Hash
	switch mechanism {
	case ScramSHA1:
		hashGen = sha1.New
	case ScramSHA256:
		hashGen = sha256.New
	}

	client, err := scram.HashGeneratorFcn(hashGen).NewClient(cred.Username, passprep, "")
	if err != nil {
		return nil, newAuthError("constructing SCRAM client", err)
	}

	return &ScramAuthenticator{
		mechanism: mechanism,
		source: authSource(cred),
		client: client,
	}, nil
}

// ScramAuthenticator implements SCRAM-SHA-1/SCRAM-SHA-256 (RFC 5802) over
// SASL, driven by github.com/xdg-go/scram.
type ScramAuthenticator struct {
	mechanism string
	source string
	client *scram.Client

	// speculativeConv/speculativeFirst, if set by SpeculativeAuthenticate,
	// are reused by Auth so the nonce generated for the embedded hello
	// saslStart matches the one the server actually answered, and so Auth
	// does not re-step (and thereby desynchronize) the conversation.
	speculativeConv *scram.ClientConversation
	speculativeFirst []byte
}

// Auth authenticates the connection.
func (a *ScramAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	adapter := &scramSaslAdapter{mechanism: a.mechanism}
	if a.speculativeConv != nil {
		adapter.conv = a.speculativeConv
		adapter.primedFirst = a.speculativeFirst
	} else {
		adapter.conv = a.client.NewConversation()
	}
	if err := ConductSaslConversation(ctx, cfg, a.source, adapter); err != nil {
		return newAuthError(a.mechanism+" conversation failed", err)
	}
	return nil
}

// SpeculativeAuthenticate builds the saslStart sub-document the handshaker
// embeds directly in its hello command, skipping a dedicated saslStart round
// trip for the common case where the server answers it inline. The
// conversation used here is reused by a subsequent Auth call so the two
// stay in sync.
func (a *ScramAuthenticator) SpeculativeAuthenticate(ctx context.Context) (bsoncore.Document, error) {
	conv := a.client.NewConversation()
	first, err := conv.Step("")
	if err != nil {
		return nil, newAuthError("building speculative "+a.mechanism+" first message", err)
	}
	a.speculativeConv = conv
	a.speculativeFirst = []byte(first)

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "saslStart", 1)
	dst = bsoncore.AppendStringElement(dst, "mechanism", a.mechanism)
	dst = bsoncore.AppendBinaryElement(dst, "payload", 0x00, []byte(first))
	dst = bsoncore.AppendStringElement(dst, "db", a.source)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

type scramSaslAdapter struct {
	mechanism string
	conv *scram.ClientConversation
	primedFirst []byte // set when conv was already stepped by SpeculativeAuthenticate
}

func (a *scramSaslAdapter) Start() (string, []byte, error) {
	if a.primedFirst != nil {
		return a.mechanism, a.primedFirst, nil
	}
	msg, err := a.conv.Step("")
	if err != nil {
		return a.mechanism, nil, err
	}
	return a.mechanism, []byte(msg), nil
}

func (a *scramSaslAdapter) Next(challenge []byte) ([]byte, error) {
	msg, err := a.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

func (a *scramSaslAdapter) Completed() bool {
	return a.conv.Done()
}
