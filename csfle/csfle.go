// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package csfle drives the client-side field-level encryption state
// machine that sits in front of an automatic-encryption-enabled command.
// The crypto library itself (libmongocrypt, or any binding to it) stays
// out of scope: this package only
// implements the driver-side steps a CryptContext asks for —
// listCollections for NeedCollInfo, forwarding to mongocryptd/a shared
// library for NeedMarkings, a key-vault query for NeedKeys, a raw TCP+TLS
// byte pump to KMS endpoints for NeedKms — and leaves the cryptographic
// context itself behind the CryptContext interface.
package csfle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

// State is one tag of the state machine.
type State uint8

// State constants, named after libmongocrypt's mongocrypt_ctx_state_t.
const (
	StateNeedCollInfo State = iota
	StateNeedMarkings
	StateNeedKeys
	StateNeedKms
	StateNeedKmsCredentials
	StateReady
	StateDone
)

// KmsContext is one outstanding TLS conversation the crypt library wants
// the driver to carry out against a KMS endpoint: write Message(), feed
// back exactly BytesNeeded() more bytes via Feed, repeat until
// BytesNeeded() reports 0.
type KmsContext interface {
	Endpoint() (host string, err error)
	Message() ([]byte, error)
	BytesNeeded() int
	Feed(data []byte) error
}

// CryptContext is the external collaborator: a handle onto one
// libmongocrypt (or equivalent) operation in progress. The state machine
// below only inspects State() and drives the side effects each state
// requires; Finalize/MongoOperation/MongoFeed/KmsContexts are the points
// where this package hands control back to the crypto library.
type CryptContext interface {
	State() (State, error)
	// MongoOperation returns the command/filter the library wants the
	// driver to run for the current Mongo* state (listCollections filter,
	// markings command, or key-vault find filter).
	MongoOperation() (bsoncore.Document, error)
	// MongoFeed delivers one document of the driver's Mongo query result
	// back to the library.
	MongoFeed(doc bsoncore.Document) error
	// MongoDone signals the driver has exhausted its Mongo query result
	// (possibly zero documents).
	MongoDone() error
	// KmsContexts returns the outstanding KMS conversations for the
	// current NeedKms state.
	KmsContexts() ([]KmsContext, error)
	// Finalize runs the (CPU-bound) final encryption/decryption step and
	// returns the resulting document. Executor.Run calls it inline on the
	// calling goroutine; it is not dispatched to a separate worker pool.
	Finalize() (bsoncore.Document, error)
}

// CollInfoLister runs listCollections with the given filter and returns the
// first matching collection's options document, if any (NeedCollInfo only
// ever needs the first match).
type CollInfoLister interface {
	ListCollectionInfo(ctx context.Context, db string, filter bsoncore.Document) (bsoncore.Document, bool, error)
}

// MarkingsRunner forwards a command to mongocryptd (or a shared crypt
// library acting as one) and returns its reply, for NeedMarkings.
type MarkingsRunner interface {
	MarkCommand(ctx context.Context, db string, command bsoncore.Document) (bsoncore.Document, error)
}

// KeyVaultFinder queries the key vault collection for NeedKeys and returns
// every matching document; the Executor then feeds each one to the context
// via MongoFeed.
type KeyVaultFinder interface {
	FindKeys(ctx context.Context, filter bsoncore.Document) ([]bsoncore.Document, error)
}

// CredentialsRefresher resolves NeedKmsCredentials by refreshing
// short-lived cloud credentials (e.g. an EC2/ECS/GCP metadata fetch) and
// handing the refreshed provider map back to the crypt library. Returning
// ErrNoCredentialRefresh is valid: not every KMS provider configuration
// supports on-demand refresh.
type CredentialsRefresher interface {
	RefreshKmsCredentials(ctx context.Context) (bsoncore.Document, error)
}

// ErrNoCredentialRefresh signals that no refreshable KMS credential
// provider is configured; Run returns it from NeedKmsCredentials when the
// Executor has no CredentialsRefresher.
var ErrNoCredentialRefresh = errors.New("csfle: no KMS credential refresher configured")

// TLSDialer opens a TLS connection to a KMS endpoint. Overridable per call
// so tests can substitute an in-process pipe instead of a real socket.
type TLSDialer func(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	d := tls.Dialer{Config: cfg}
	return d.DialContext(ctx, "tcp", addr)
}

// Executor drives a CryptContext to completion, performing the Mongo
// queries, mongocryptd forwarding, and KMS byte pumping each state
// requires: inspect state, perform the matching side effect, advance,
// repeat until Done.
type Executor struct {
	CollInfo CollInfoLister
	Markings MarkingsRunner
	KeyVault KeyVaultFinder
	Credentials CredentialsRefresher
	Dial TLSDialer
	TLSConfig func(provider string) *tls.Config
}

// Run drives ctx (the CryptContext, not a Go context.Context — named to
// match libmongocrypt's own terminology) through its state machine for a
// command being encrypted or a reply being decrypted against database db,
// returning the finalized document.
func (ex *Executor) Run(goCtx context.Context, ctx CryptContext, db string) (bsoncore.Document, error) {
	dial := ex.Dial
	if dial == nil {
		dial = defaultDialer
	}

	for {
		state, err := ctx.State()
		if err != nil {
			return nil, err
		}

		switch state {
		case StateNeedCollInfo:
			if err := ex.handleNeedCollInfo(goCtx, ctx, db); err != nil {
				return nil, err
			}
		case StateNeedMarkings:
			if err := ex.handleNeedMarkings(goCtx, ctx, db); err != nil {
				return nil, err
			}
		case StateNeedKeys:
			if err := ex.handleNeedKeys(goCtx, ctx); err != nil {
				return nil, err
			}
		case StateNeedKms:
			if err := ex.handleNeedKms(goCtx, ctx, dial); err != nil {
				return nil, err
			}
		case StateNeedKmsCredentials:
			if err := ex.handleNeedKmsCredentials(goCtx, ctx); err != nil {
				return nil, err
			}
		case StateReady:
			return ctx.Finalize()
		case StateDone:
			return nil, errors.New("csfle: Run called on an already-finalized context")
		default:
			return nil, fmt.Errorf("csfle: unhandled crypt context state %d", state)
		}
	}
}

func (ex *Executor) handleNeedCollInfo(ctx context.Context, cc CryptContext, db string) error {
	if ex.CollInfo == nil {
		return errors.New("csfle: NeedCollInfo requires a CollInfoLister")
	}
	filter, err := cc.MongoOperation()
	if err != nil {
		return err
	}
	doc, ok, err := ex.CollInfo.ListCollectionInfo(ctx, db, filter)
	if err != nil {
		return err
	}
	if ok {
		if err := cc.MongoFeed(doc); err != nil {
			return err
		}
	}
	return cc.MongoDone()
}

func (ex *Executor) handleNeedMarkings(ctx context.Context, cc CryptContext, db string) error {
	if ex.Markings == nil {
		return errors.New("csfle: NeedMarkings requires a MarkingsRunner")
	}
	cmd, err := cc.MongoOperation()
	if err != nil {
		return err
	}
	reply, err := ex.Markings.MarkCommand(ctx, db, cmd)
	if err != nil {
		return err
	}
	if err := cc.MongoFeed(reply); err != nil {
		return err
	}
	return cc.MongoDone()
}

func (ex *Executor) handleNeedKeys(ctx context.Context, cc CryptContext) error {
	if ex.KeyVault == nil {
		return errors.New("csfle: NeedKeys requires a KeyVaultFinder")
	}
	filter, err := cc.MongoOperation()
	if err != nil {
		return err
	}
	keys, err := ex.KeyVault.FindKeys(ctx, filter)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := cc.MongoFeed(k); err != nil {
			return err
		}
	}
	return cc.MongoDone()
}

// handleNeedKms opens a TLS connection per outstanding KMS conversation
// and pumps bytes until each signals it needs no more, matching
// libmongocrypt's per-context byte-exchange contract. Conversations run
// sequentially: KMS requests within one command are typically few (one per
// data key), and serializing them keeps this package free of its own
// bounded-concurrency policy, which belongs to the caller if it wants one.
func (ex *Executor) handleNeedKms(ctx context.Context, cc CryptContext, dial TLSDialer) error {
	kmsCtxs, err := cc.KmsContexts()
	if err != nil {
		return err
	}
	for _, kc := range kmsCtxs {
		if err := ex.pumpOne(ctx, kc, dial); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) pumpOne(ctx context.Context, kc KmsContext, dial TLSDialer) error {
	endpoint, err := kc.Endpoint()
	if err != nil {
		return err
	}
	var tlsCfg *tls.Config
	if ex.TLSConfig != nil {
		tlsCfg = ex.TLSConfig(endpoint)
	}
	conn, err := dial(ctx, endpoint, tlsCfg)
	if err != nil {
		return fmt.Errorf("csfle: dialing KMS endpoint %s: %w", endpoint, err)
	}
	defer conn.Close()

	msg, err := kc.Message()
	if err != nil {
		return err
	}
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("csfle: writing KMS request: %w", err)
	}

	buf := make([]byte, 4096)
	for kc.BytesNeeded() > 0 {
		need := kc.BytesNeeded()
		if need > len(buf) {
			buf = make([]byte, need)
		}
		n, err := conn.Read(buf[:need])
		if err != nil {
			return fmt.Errorf("csfle: reading KMS response: %w", err)
		}
		if err := kc.Feed(buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) handleNeedKmsCredentials(ctx context.Context, cc CryptContext) error {
	if ex.Credentials == nil {
		return ErrNoCredentialRefresh
	}
	doc, err := ex.Credentials.RefreshKmsCredentials(ctx)
	if err != nil {
		return err
	}
	return cc.MongoFeed(doc)
}
