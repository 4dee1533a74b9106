// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package csfle

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

func buildDoc(t *testing.T, key string, val int32) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, key, val)
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		t.Fatalf("building doc: %v", err)
	}
	return dst
}

// fakeCryptContext drives a scripted sequence of states, recording every
// Mongo/KMS interaction the Executor performs against it.
type fakeCryptContext struct {
	states []State
	idx int

	fed []bsoncore.Document
	doneCalls int
	finalizeDoc bsoncore.Document
	kmsCtxs []KmsContext
}

func (f *fakeCryptContext) State() (State, error) {
	s := f.states[f.idx]
	f.idx++
	return s, nil
}

func (f *fakeCryptContext) MongoOperation() (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "filter", 1)
	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return doc, nil
}

func (f *fakeCryptContext) MongoFeed(doc bsoncore.Document) error {
	f.fed = append(f.fed, doc)
	return nil
}

func (f *fakeCryptContext) MongoDone() error {
	f.doneCalls++
	return nil
}

func (f *fakeCryptContext) KmsContexts() ([]KmsContext, error) {
	return f.kmsCtxs, nil
}

func (f *fakeCryptContext) Finalize() (bsoncore.Document, error) {
	return f.finalizeDoc, nil
}

type fakeCollInfoLister struct {
	doc bsoncore.Document
	ok bool
	calledDB string
}

func (f *fakeCollInfoLister) ListCollectionInfo(ctx context.Context, db string, filter bsoncore.Document) (bsoncore.Document, bool, error) {
	f.calledDB = db
	return f.doc, f.ok, nil
}

type fakeMarkingsRunner struct {
	reply bsoncore.Document
}

func (f *fakeMarkingsRunner) MarkCommand(ctx context.Context, db string, command bsoncore.Document) (bsoncore.Document, error) {
	return f.reply, nil
}

type fakeKeyVaultFinder struct {
	keys []bsoncore.Document
}

func (f *fakeKeyVaultFinder) FindKeys(ctx context.Context, filter bsoncore.Document) ([]bsoncore.Document, error) {
	return f.keys, nil
}

type fakeCredentialsRefresher struct {
	doc bsoncore.Document
	err error
}

func (f *fakeCredentialsRefresher) RefreshKmsCredentials(ctx context.Context) (bsoncore.Document, error) {
	return f.doc, f.err
}

func TestRunDrivesStraightThroughToReady(t *testing.T) {
	finalDoc := buildDoc(t, "result", 1)
	cc := &fakeCryptContext{
		states: []State{StateReady},
		finalizeDoc: finalDoc,
	}
	ex := &Executor{}

	got, err := ex.Run(context.Background(), cc, "testdb")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(got) != string(finalDoc) {
		t.Fatal("Run should return Finalize()'s document on Ready")
	}
}

func TestRunHandlesNeedCollInfo(t *testing.T) {
	collDoc := buildDoc(t, "options", 1)
	lister := &fakeCollInfoLister{doc: collDoc, ok: true}
	cc := &fakeCryptContext{states: []State{StateNeedCollInfo, StateReady}}
	ex := &Executor{CollInfo: lister}

	if _, err := ex.Run(context.Background(), cc, "mydb"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if lister.calledDB != "mydb" {
		t.Errorf("ListCollectionInfo called with db %q, want mydb", lister.calledDB)
	}
	if len(cc.fed) != 1 || string(cc.fed[0]) != string(collDoc) {
		t.Fatal("expected the collection info doc to be fed back to the context")
	}
	if cc.doneCalls != 1 {
		t.Fatalf("MongoDone called %d times, want 1", cc.doneCalls)
	}
}

func TestRunHandlesNeedCollInfoWithNoMatch(t *testing.T) {
	lister := &fakeCollInfoLister{ok: false}
	cc := &fakeCryptContext{states: []State{StateNeedCollInfo, StateReady}}
	ex := &Executor{CollInfo: lister}

	if _, err := ex.Run(context.Background(), cc, "mydb"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cc.fed) != 0 {
		t.Fatal("no collection match should mean nothing is fed")
	}
	if cc.doneCalls != 1 {
		t.Fatalf("MongoDone called %d times, want 1", cc.doneCalls)
	}
}

func TestRunRequiresCollInfoLister(t *testing.T) {
	cc := &fakeCryptContext{states: []State{StateNeedCollInfo}}
	ex := &Executor{}
	if _, err := ex.Run(context.Background(), cc, "db"); err == nil {
		t.Fatal("expected an error when NeedCollInfo has no CollInfoLister configured")
	}
}

func TestRunHandlesNeedMarkings(t *testing.T) {
	reply := buildDoc(t, "marked", 1)
	cc := &fakeCryptContext{states: []State{StateNeedMarkings, StateReady}}
	ex := &Executor{Markings: &fakeMarkingsRunner{reply: reply}}

	if _, err := ex.Run(context.Background(), cc, "db"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cc.fed) != 1 || string(cc.fed[0]) != string(reply) {
		t.Fatal("expected the markings reply to be fed back")
	}
}

func TestRunHandlesNeedKeys(t *testing.T) {
	keys := []bsoncore.Document{buildDoc(t, "k", 1), buildDoc(t, "k", 2)}
	cc := &fakeCryptContext{states: []State{StateNeedKeys, StateReady}}
	ex := &Executor{KeyVault: &fakeKeyVaultFinder{keys: keys}}

	if _, err := ex.Run(context.Background(), cc, "db"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cc.fed) != 2 {
		t.Fatalf("fed %d keys, want 2", len(cc.fed))
	}
	if cc.doneCalls != 1 {
		t.Fatalf("MongoDone called %d times, want 1", cc.doneCalls)
	}
}

func TestRunHandlesNeedKmsCredentials(t *testing.T) {
	credDoc := buildDoc(t, "accessKeyId", 1)
	cc := &fakeCryptContext{states: []State{StateNeedKmsCredentials, StateReady}}
	ex := &Executor{Credentials: &fakeCredentialsRefresher{doc: credDoc}}

	if _, err := ex.Run(context.Background(), cc, "db"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cc.fed) != 1 || string(cc.fed[0]) != string(credDoc) {
		t.Fatal("expected the refreshed credentials doc to be fed back")
	}
}

func TestRunNeedKmsCredentialsWithoutRefresherErrors(t *testing.T) {
	cc := &fakeCryptContext{states: []State{StateNeedKmsCredentials}}
	ex := &Executor{}
	if _, err := ex.Run(context.Background(), cc, "db"); !errors.Is(err, ErrNoCredentialRefresh) {
		t.Fatalf("got %v, want ErrNoCredentialRefresh", err)
	}
}

func TestRunDoneStateErrors(t *testing.T) {
	cc := &fakeCryptContext{states: []State{StateDone}}
	ex := &Executor{}
	if _, err := ex.Run(context.Background(), cc, "db"); err == nil {
		t.Fatal("expected an error when Run is called on an already-Done context")
	}
}

// fakeKmsConn is an in-memory net.Conn standing in for a dialed KMS TLS
// socket: Write captures the request, Read serves a fixed reply.
type fakeKmsConn struct {
	net.Conn
	written []byte
	reply []byte
}

func (c *fakeKmsConn) Write(b []byte) (int, error) {
	c.written = append(c.written, b...)
	return len(b), nil
}

func (c *fakeKmsConn) Read(b []byte) (int, error) {
	n := copy(b, c.reply)
	c.reply = c.reply[n:]
	return n, nil
}

func (c *fakeKmsConn) Close() error { return nil }

// fakeKmsContext models libmongocrypt's KMS byte-exchange contract: it
// wants len(want) bytes total, fed in whatever chunks Read happens to
// deliver, and reports BytesNeeded 0 once satisfied.
type fakeKmsContext struct {
	endpoint string
	msg []byte
	want int
	got []byte
}

func (k *fakeKmsContext) Endpoint() (string, error) { return k.endpoint, nil }
func (k *fakeKmsContext) Message() ([]byte, error) { return k.msg, nil }
func (k *fakeKmsContext) BytesNeeded() int { return k.want - len(k.got) }
func (k *fakeKmsContext) Feed(data []byte) error {
	k.got = append(k.got, data...)
	return nil
}

func TestRunHandlesNeedKmsPumpsUntilSatisfied(t *testing.T) {
	reply := []byte("0123456789")
	kc := &fakeKmsContext{endpoint: "kms.example.com:443", msg: []byte("req"), want: len(reply)}
	conn := &fakeKmsConn{reply: reply}

	cc := &fakeCryptContext{states: []State{StateNeedKms, StateReady}, kmsCtxs: []KmsContext{kc}}
	ex := &Executor{
		Dial: func(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
			if addr != kc.endpoint {
				t.Errorf("dialed %q, want %q", addr, kc.endpoint)
			}
			return conn, nil
		},
	}

	if _, err := ex.Run(context.Background(), cc, "db"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(conn.written) != "req" {
		t.Fatalf("wrote %q, want %q", conn.written, "req")
	}
	if string(kc.got) != string(reply) {
		t.Fatalf("fed %q, want %q", kc.got, reply)
	}
}

func TestRunNeedKmsDialErrorPropagates(t *testing.T) {
	kc := &fakeKmsContext{endpoint: "kms.example.com:443", msg: []byte("req"), want: 1}
	wantErr := errors.New("dial refused")
	cc := &fakeCryptContext{states: []State{StateNeedKms}, kmsCtxs: []KmsContext{kc}}
	ex := &Executor{
		Dial: func(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
			return nil, wantErr
		},
	}

	if _, err := ex.Run(context.Background(), cc, "db"); !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped %v", err, wantErr)
	}
}
