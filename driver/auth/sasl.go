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

// SaslClient is the client side of a SASL conversation: produce the first
// message, then answer each server challenge until Completed.
type SaslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

// SaslClientCloser is a SaslClient with resources (e.g. an HTTP client
// fetched credential chain) to release once the conversation ends.
type SaslClientCloser interface {
	SaslClient
	Close()
}

// ConductSaslConversation drives the saslStart/saslContinue command
// round trips described by the driver, starting from (and, if present,
// consuming) the handshake's speculative authentication reply.
func ConductSaslConversation(ctx context.Context, cfg *Config, source string, client SaslClient) error {
	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	mechanism, payload, err := client.Start()
	if err != nil {
		return newAuthError("initiating SASL conversation", err)
	}

	var saslResp saslResponse
	if cfg.SpeculativeAuthenticate != nil {
		// The server already answered saslStart inside the hello reply;
		// skip straight to parsing that answer as if it were the first
		// saslStart response.
		saslResp, err = parseSaslResponse(cfg.SpeculativeAuthenticate)
		if err != nil {
			return newAuthError("parsing speculative authenticate reply", err)
		}
	} else {
		cmd, cmdErr := buildSaslStart(mechanism, payload)
		if cmdErr != nil {
			return newAuthError("building saslStart", cmdErr)
		}
		reply, runErr := driver.RunCommand(ctx, cfg.Connection, source, cmd)
		if runErr != nil {
			return newAuthError("running saslStart", runErr)
		}
		saslResp, err = parseSaslResponse(reply)
		if err != nil {
			return newAuthError("parsing saslStart reply", err)
		}
	}

	for {
		if saslResp.Done && client.Completed() {
			return nil
		}

		payload, err = client.Next(saslResp.Payload)
		if err != nil {
			return newAuthError("computing next SASL step", err)
		}

		if saslResp.Done && client.Completed() {
			return nil
		}

		cmd, cmdErr := buildSaslContinue(saslResp.ConversationID, payload)
		if cmdErr != nil {
			return newAuthError("building saslContinue", cmdErr)
		}
		reply, runErr := driver.RunCommand(ctx, cfg.Connection, source, cmd)
		if runErr != nil {
			return newAuthError("running saslContinue", runErr)
		}
		saslResp, err = parseSaslResponse(reply)
		if err != nil {
			return newAuthError("parsing saslContinue reply", err)
		}
	}
}

type saslResponse struct {
	ConversationID int32
	Done bool
	Payload []byte
}

func parseSaslResponse(reply bsoncore.Document) (saslResponse, error) {
	var resp saslResponse
	if v, ok := reply.Lookup("conversationId").Int32OK(); ok {
		resp.ConversationID = v
	}
	if v, ok := reply.Lookup("done").BooleanOK(); ok {
		resp.Done = v
	}
	if subtype, data, ok := reply.Lookup("payload").BinaryOK(); ok {
		_ = subtype
		resp.Payload = data
	}
	return resp, nil
}

func buildSaslStart(mechanism string, payload []byte) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "saslStart", 1)
	dst = bsoncore.AppendStringElement(dst, "mechanism", mechanism)
	dst = bsoncore.AppendBinaryElement(dst, "payload", 0x00, payload)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

func buildSaslContinue(conversationID int32, payload []byte) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "saslContinue", 1)
	dst = bsoncore.AppendInt32Element(dst, "conversationId", conversationID)
	dst = bsoncore.AppendBinaryElement(dst, "payload", 0x00, payload)
	return bsoncore.AppendDocumentEnd(dst, idx)
}
