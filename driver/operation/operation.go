// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/driver/session"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/logger"
	"github.com/coredb-io/godriver/wiremessage"
)

// RetryMode describes whether an operation may be retried and, if so,
// whether it follows the retryable-reads or retryable-writes rules.
type RetryMode uint8

// RetryMode constants.
const (
	RetryNone RetryMode = iota
	RetryReads
	RetryWrites
)

// ResponseInfo is passed to an Operation's ProcessResponseFn after a
// successful round trip, carrying everything a command builder needs to
// extract its typed result.
type ResponseInfo struct {
	ServerResponse bsoncore.Document
	Connection driver.Connection
	Server driver.Server
	CurrentIndex int
}

// Operation is the generic command executor: a command
// body builder plus the deployment/session/retry context needed to select
// a server, build the wire command, send it, and interpret the reply.
type Operation struct {
	// CommandFn builds the command body (without lsid/$db/$clusterTime/
	// txnNumber/readConcern/writeConcern, which Execute appends per the
	// precedence rules below). desc is the server the command will run
	// against, which a builder may need (e.g. to omit writeConcern inside
	// a transaction).
	CommandFn func(dst []byte, desc description.SelectedServer) ([]byte, error)

	// ProcessResponseFn, if set, receives the raw server reply after a
	// successful round trip so a command builder can stash its typed
	// result.
	ProcessResponseFn func(ResponseInfo) error

	Database string
	Deployment driver.Deployment
	Selector description.ServerSelector

	Client *session.ClientSession
	Clock *session.ClusterClock
	RetryMode RetryMode
	MinimumWriteConcernWireVersion int32

	ReadConcern bsoncore.Document
	WriteConcern bsoncore.Document
	ReadPreference bsoncore.Document

	ServerAPI *driver.ServerAPIOptions
	CommandMonitor *event.CommandMonitor
	Logger *logger.Logger

	// omitReadPreference suppresses the $readPreference wrapper, used by
	// commands that never take one (e.g. commitTransaction).
	OmitReadPreference bool

	// Crypt, if set, routes the fully built command through the CSFLE
	// state machine (csfle.Executor) before framing, and the raw reply
	// through it again after a successful round trip. Left nil when
	// encryption isn't configured so the hot path pays nothing for it.
	Crypt CryptTransformFn

	// Reauthenticate, if set, re-runs the configured SASL/X.509
	// conversation on conn when the server reports
	// ReauthenticationRequired (code 391). Per spec.md §4.4, a successful
	// reauthentication loops the same attempt again without consuming a
	// retry slot. Left nil when no credential is configured.
	Reauthenticate func(ctx context.Context, conn driver.Connection) error
}

// CryptTransformFn encrypts an outgoing command or decrypts an incoming
// reply. db is the command's target database, needed by NeedCollInfo's
// listCollections and NeedMarkings' mongocryptd forwarding.
type CryptTransformFn func(ctx context.Context, db string, body bsoncore.Document) (bsoncore.Document, error)

// maxRetryAttempts is the retry discipline: at most one retry
// following the original attempt.
const maxRetryAttempts = 2

// Execute runs the operation end to end: resolve selection criteria,
// select a server, check out a connection, build and send the command,
// decode the reply, and retry once if the failure is retryable and a retry
// is still warranted.
func (op *Operation) Execute(ctx context.Context) (bsoncore.Document, error) {
	if op.Deployment == nil {
		return nil, errors.New("operation: no deployment configured")
	}

	selector := op.Selector
	if selector == nil {
		selector = description.ReadPrefSelector{Mode: description.PrimaryMode}
	}

	var firstErr error
	var lastErr error
	var lastReply bsoncore.Document
	retryableErr := false
	retried := false

	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		if attempt > 1 && !retryableErr {
			break
		}
		if attempt > 1 {
			retried = true
		}

		srv, err := op.Deployment.SelectServer(ctx, selector)
		if err != nil {
			lastErr = err
			if attempt == 1 {
				return nil, err
			}
			break
		}

		conn, err := srv.Connection(ctx)
		if err != nil {
			lastErr = err
			if attempt == 1 {
				return nil, err
			}
			break
		}

		reply, err := op.executeOnceWithReauth(ctx, srv, conn, attempt)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		lastReply = reply
		if attempt == 1 {
			firstErr = err
		}
		retryableErr = op.isRetryable(err, conn.Description())
	}

	// §4.4/§9 NoWritesPerformed retry short-circuit: surface the retry's own
	// error unless it reports NoWritesPerformed, in which case the first
	// attempt's error is the more informative one to surface instead.
	if retried && firstErr != nil {
		var de driver.Error
		if errors.As(lastErr, &de) && de.HasNoWritesPerformed() {
			return lastReply, firstErr
		}
	}

	return lastReply, lastErr
}

// maxReauthAttempts bounds the reauthentication loop so a server that keeps
// reporting ReauthenticationRequired even after a successful SASL
// conversation can't spin Execute forever; this does not consume the
// ordinary retry budget (spec.md §4.4: "once per reauthentication cycle").
const maxReauthAttempts = 1

// executeOnceWithReauth wraps executeOnce with the reauthentication loop:
// a ReauthenticationRequired failure re-runs Operation.Reauthenticate on
// the same connection and retries the same attempt, without touching the
// caller's retry-cardinality counter.
func (op *Operation) executeOnceWithReauth(ctx context.Context, srv driver.Server, conn driver.Connection, attempt int) (bsoncore.Document, error) {
	for reauths := 0; ; reauths++ {
		reply, err := op.executeOnce(ctx, srv, conn, attempt)
		if err == nil {
			return reply, nil
		}
		var de driver.Error
		if op.Reauthenticate == nil || reauths >= maxReauthAttempts || !errors.As(err, &de) || !de.IsReauthenticationRequired() {
			return reply, err
		}
		if rerr := op.Reauthenticate(ctx, conn); rerr != nil {
			return reply, rerr
		}
	}
}

func (op *Operation) executeOnce(ctx context.Context, srv driver.Server, conn driver.Connection, attempt int) (bsoncore.Document, error) {
	desc := description.SelectedServer{Server: conn.Description()}

	if op.Client != nil && !op.Client.Implicit && !op.sessionsSupported(desc) {
		srv.ProcessError(driver.ErrSessionsNotSupported, conn)
		return nil, driver.ErrSessionsNotSupported
	}

	implicitSession := false
	if op.Client == nil && op.sessionsSupported(desc) {
		op.Client = session.NewClientSession(op.sessionPool(), "", true, false, false)
		implicitSession = true
	}
	if implicitSession {
		defer op.Client.EndSession()
	}

	retrying := attempt > 1
	body, err := op.buildCommand(desc, retrying)
	if err != nil {
		srv.ProcessError(err, conn)
		return nil, err
	}

	if op.Crypt != nil {
		body, err = op.Crypt(ctx, op.Database, body)
		if err != nil {
			return nil, fmt.Errorf("encrypting command: %w", err)
		}
	}

	reqID := wiremessage.NextRequestID()
	wm := wiremessage.EncodeOpMsg(reqID, 0, body)

	commandName := commandNameFromBody(body)
	compressed := wm
	if !wiremessage.IsRedactedCommand(commandName) {
		compressed, err = conn.CompressWireMessage(wm, nil)
		if err != nil {
			return nil, err
		}
	}

	started := time.Now()
	op.publishStarted(reqID, conn, commandName, body)

	if err := conn.Write(ctx, compressed); err != nil {
		werr := fmt.Errorf("writing command: %w", err)
		op.publishFailed(reqID, conn, commandName, started, werr)
		srv.ProcessError(werr, conn)
		if op.Client != nil {
			op.Client.MarkDirty()
		}
		return nil, werr
	}

	raw, err := conn.Read(ctx)
	if err != nil {
		rerr := fmt.Errorf("reading command reply: %w", err)
		op.publishFailed(reqID, conn, commandName, started, rerr)
		srv.ProcessError(rerr, conn)
		if op.Client != nil {
			op.Client.MarkDirty()
		}
		return nil, rerr
	}

	respTo, reply, err := decodeReply(raw)
	if err != nil {
		op.publishFailed(reqID, conn, commandName, started, err)
		return nil, err
	}
	if respTo != reqID {
		err := fmt.Errorf("%w: responseTo %d does not match requestId %d", driver.InvalidResponseError{Message: "mismatched response"}, respTo, reqID)
		op.publishFailed(reqID, conn, commandName, started, err)
		return nil, err
	}

	op.advanceSessionAndClusterState(reply)

	if cmdErr := extractCommandError(reply); cmdErr != nil {
		op.publishFailed(reqID, conn, commandName, started, cmdErr)
		op.labelTransactionError(cmdErr)
		srv.ProcessError(cmdErr, conn)
		return reply, cmdErr
	}

	op.publishSucceeded(reqID, conn, commandName, started, reply)

	if op.Client != nil {
		op.Client.ApplyCommand()
	}

	if op.Crypt != nil {
		decrypted, err := op.Crypt(ctx, op.Database, reply)
		if err != nil {
			return reply, fmt.Errorf("decrypting reply: %w", err)
		}
		reply = decrypted
	}

	if op.ProcessResponseFn != nil {
		if err := op.ProcessResponseFn(ResponseInfo{ServerResponse: reply, Connection: conn, Server: srv}); err != nil {
			return reply, err
		}
	}

	return reply, nil
}

// buildCommand assembles the full command body: the caller's CommandFn
// output, followed by lsid/txnNumber/autocommit/startTransaction,
// $clusterTime, $db, apiVersion, readConcern/writeConcern, and
// $readPreference, in driver precedence order.
func (op *Operation) buildCommand(desc description.SelectedServer, retrying bool) (bsoncore.Document, error) {
	body, err := op.CommandFn(nil, desc)
	if err != nil {
		return nil, err
	}
	doc := bsoncore.Document(body)

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = append(dst, doc[4:len(doc)-1]...)

	inTransaction := op.Client != nil && op.Client.TransactionRunning()

	if op.Client != nil {
		dst = bsoncore.AppendDocumentElement(dst, "lsid", op.Client.LSID())
		if op.RetryMode != RetryNone || inTransaction {
			txnNumber := op.Client.TxnNumber()
			if op.RetryMode == RetryWrites && !retrying {
				txnNumber = op.Client.IncrementTxnNumber()
			}
			if inTransaction || op.RetryMode == RetryWrites {
				dst = bsoncore.AppendInt64Element(dst, "txnNumber", txnNumber)
			}
		}
		if op.Client.TransactionStarting() {
			dst = bsoncore.AppendBooleanElement(dst, "startTransaction", true)
		}
		if inTransaction {
			dst = bsoncore.AppendBooleanElement(dst, "autocommit", false)
		}
	}

	dst = session.AppendClusterTime(dst, op.Clock, op.Client)
	dst = bsoncore.AppendStringElement(dst, "$db", op.Database)

	if op.ServerAPI != nil {
		dst = bsoncore.AppendStringElement(dst, "apiVersion", op.ServerAPI.ServerAPIVersion)
		if op.ServerAPI.Strict != nil {
			dst = bsoncore.AppendBooleanElement(dst, "apiStrict", *op.ServerAPI.Strict)
		}
		if op.ServerAPI.DeprecationErrors != nil {
			dst = bsoncore.AppendBooleanElement(dst, "apiDeprecationErrors", *op.ServerAPI.DeprecationErrors)
		}
	}

	// readConcern/writeConcern are suppressed on every command of an
	// in-progress transaction except the first: readConcern/writeConcern are
	// taken from the transaction's options and sent only on startTransaction.
	if !inTransaction || op.Client.TransactionStarting() {
		if rc := op.effectiveReadConcern(); rc != nil {
			dst = bsoncore.AppendDocumentElement(dst, "readConcern", rc)
		}
	}
	if !inTransaction || op.Client.TransactionStarting() {
		if wc := op.effectiveWriteConcern(); wc != nil {
			dst = bsoncore.AppendDocumentElement(dst, "writeConcern", wc)
		}
	}
	if !op.OmitReadPreference && !inTransaction {
		if op.ReadPreference != nil {
			dst = bsoncore.AppendDocumentElement(dst, "$readPreference", op.ReadPreference)
		}
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

func (op *Operation) effectiveReadConcern() bsoncore.Document {
	if op.Client != nil && op.Client.TransactionRunning() {
		if rc := op.Client.TransactionOptionsSnapshot().ReadConcern; rc != nil {
			return rc
		}
	}
	return op.ReadConcern
}

func (op *Operation) effectiveWriteConcern() bsoncore.Document {
	if op.Client != nil && op.Client.TransactionRunning() {
		if wc := op.Client.TransactionOptionsSnapshot().WriteConcern; wc != nil {
			return wc
		}
	}
	return op.WriteConcern
}

func (op *Operation) advanceSessionAndClusterState(reply bsoncore.Document) {
	if ct, err := reply.LookupErr("$clusterTime"); err == nil {
		if doc, ok := ct.DocumentOK(); ok {
			if op.Clock != nil {
				op.Clock.AdvanceClusterTime(doc)
			}
			if op.Client != nil {
				op.Client.AdvanceClusterTime(doc)
			}
		}
	}
	if op.Client != nil {
		if ot, err := reply.LookupErr("operationTime"); err == nil {
			if t, i, ok := ot.TimestampOK(); ok {
				op.Client.AdvanceOperationTime(primitive.Timestamp{T: t, I: i})
			}
		}
	}
}

// labelTransactionError clears the transaction's pin when a
// TransientTransactionError or UnknownTransactionCommitResult label is
// surfaced.
func (op *Operation) labelTransactionError(err error) {
	if op.Client == nil {
		return
	}
	var de driver.Error
	if errors.As(err, &de) {
		if de.HasErrorLabel(driver.TransientTransactionError) || de.HasErrorLabel(driver.UnknownTransactionCommitResult) {
			op.Client.ClearPinned()
		}
	}
}

func (op *Operation) isRetryable(err error, desc description.Server) bool {
	if op.RetryMode == RetryNone {
		return false
	}
	var de driver.Error
	if !errors.As(err, &de) {
		var ne net.Error
		return errors.As(err, &ne)
	}
	wireVersion := int32(0)
	if desc.WireVersion != nil {
		wireVersion = desc.WireVersion.Max
	}
	switch op.RetryMode {
	case RetryReads:
		return de.RetryableRead()
	case RetryWrites:
		return de.RetryableWrite(wireVersion)
	default:
		return false
	}
}

func (op *Operation) sessionsSupported(desc description.SelectedServer) bool {
	return desc.Server.SessionTimeoutMins != nil
}

// sessionPool lazily builds an implicit-session pool; a real deployment
// wires a shared pool through the Client rather than constructing one per
// operation, but Execute falls back to a fresh one-shot pool when no
// explicit session was provided and none is attached elsewhere.
func (op *Operation) sessionPool() *session.Pool {
	return session.NewPool(0)
}

func (op *Operation) publishStarted(reqID int32, conn driver.Connection, cmdName string, body bsoncore.Document) {
	redacted := wiremessage.IsRedactedCommand(cmdName)
	if op.Logger != nil {
		op.Logger.Print(logger.LevelDebug, commandLogMessage{
			verb: "started", cmdName: cmdName, database: op.Database,
			requestID: reqID, connectionID: conn.ID(), doc: body, redacted: redacted,
		})
	}
	if op.CommandMonitor == nil || op.CommandMonitor.Started == nil {
		return
	}
	evt := event.CommandStartedEvent{
		DatabaseName: op.Database,
		CommandName: cmdName,
		RequestID: reqID,
		ConnectionID: conn.ID(),
	}
	if !redacted {
		evt.Command = body
	}
	op.CommandMonitor.Started(evt)
}

func (op *Operation) publishSucceeded(reqID int32, conn driver.Connection, cmdName string, started time.Time, reply bsoncore.Document) {
	redacted := wiremessage.IsRedactedCommand(cmdName)
	if op.Logger != nil {
		op.Logger.Print(logger.LevelDebug, commandLogMessage{
			verb: "succeeded", cmdName: cmdName, database: op.Database,
			requestID: reqID, connectionID: conn.ID(), doc: reply, redacted: redacted,
			duration: time.Since(started),
		})
	}
	if op.CommandMonitor == nil || op.CommandMonitor.Succeeded == nil {
		return
	}
	evt := event.CommandSucceededEvent{
		Duration: time.Since(started),
		CommandName: cmdName,
		RequestID: reqID,
		ConnectionID: conn.ID(),
	}
	if !redacted {
		evt.Reply = reply
	}
	op.CommandMonitor.Succeeded(evt)
}

func (op *Operation) publishFailed(reqID int32, conn driver.Connection, cmdName string, started time.Time, err error) {
	if op.Logger != nil {
		op.Logger.Print(logger.LevelInfo, commandLogMessage{
			verb: "failed", cmdName: cmdName, database: op.Database,
			requestID: reqID, connectionID: conn.ID(), err: err,
			duration: time.Since(started),
		})
	}
	if op.CommandMonitor == nil || op.CommandMonitor.Failed == nil {
		return
	}
	op.CommandMonitor.Failed(event.CommandFailedEvent{
			Duration: time.Since(started),
			CommandName: cmdName,
			Failure: err,
			RequestID: reqID,
			ConnectionID: conn.ID(),
		})
}

// commandLogMessage implements logger.Message for the command component,
// mirroring the field set of the CommandStarted/Succeeded/Failed events so
// a structured-log sink observes the same information a CommandMonitor does.
type commandLogMessage struct {
	verb string
	cmdName string
	database string
	requestID int32
	connectionID string
	doc bsoncore.Document
	redacted bool
	duration time.Duration
	err error
}

func (m commandLogMessage) Component() logger.Component { return logger.ComponentCommand }

func (m commandLogMessage) Level() logger.Level {
	if m.verb == "failed" {
		return logger.LevelInfo
	}
	return logger.LevelDebug
}

func (m commandLogMessage) String() string {
	return fmt.Sprintf("Command %s: %s", m.verb, m.cmdName)
}

func (m commandLogMessage) KeysAndValues() []interface{} {
	kv := []interface{}{
		"commandName", m.cmdName,
		"databaseName", m.database,
		"requestId", m.requestID,
		"driverConnectionId", m.connectionID,
	}
	switch m.verb {
	case "started":
		doc := "{}"
		if !m.redacted && m.doc != nil {
			doc = m.doc.String()
		}
		kv = append(kv, "command", doc)
	case "succeeded":
		kv = append(kv, "durationMS", m.duration.Milliseconds())
		reply := "{}"
		if !m.redacted && m.doc != nil {
			reply = m.doc.String()
		}
		kv = append(kv, "reply", reply)
	case "failed":
		kv = append(kv, "durationMS", m.duration.Milliseconds())
		if m.err != nil {
			kv = append(kv, "failure", m.err.Error())
		}
	}
	return kv
}

// commandNameFromBody returns the first element's key, which is always the
// command name per the wire protocol's document-ordering requirement.
func commandNameFromBody(body bsoncore.Document) string {
	elems, err := body.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

// decodeReply reads a possibly-compressed wire message and returns the
// responseTo field and kind-0 body, transparently reversing OP_COMPRESSED
// framing.
func decodeReply(raw []byte) (int32, bsoncore.Document, error) {
	_, reqID, respTo, opcode, rem, ok := wiremessage.ReadHeader(raw)
	if !ok {
		return 0, nil, fmt.Errorf("%w: short header", wiremessage.ErrMalformedMessage)
	}
	if opcode != wiremessage.OpCompressed {
		return wiremessage.DecodeOpMsg(raw)
	}

	origOpcode, uncompressedSize, compressorID, compressed, err := wiremessage.ReadCompressed(rem)
	if err != nil {
		return 0, nil, err
	}
	decompressed, err := driver.DecompressPayload(compressed, driver.CompressionOpts{Compressor: compressorID}, uncompressedSize)
	if err != nil {
		return 0, nil, err
	}

	idx, dst := wiremessage.AppendHeaderStart(nil, reqID, respTo, origOpcode)
	dst = append(dst, decompressed...)
	dst = wiremessage.UpdateLength(dst, idx, int32(len(dst)))
	return wiremessage.DecodeOpMsg(dst)
}

// extractCommandError inspects a command reply for ok:0 and, if present,
// builds the driver.Error value.
func extractCommandError(reply bsoncore.Document) error {
	okVal, err := reply.LookupErr("ok")
	if err == nil {
		if f, ok := okVal.DoubleOK(); ok && f != 0 {
			return nil
		}
		if i, ok := okVal.Int32OK(); ok && i != 0 {
			return nil
		}
	}

	de := driver.Error{}
	if code, ok := reply.Lookup("code").Int32OK(); ok {
		de.Code = code
	}
	if name, ok := reply.Lookup("codeName").StringValueOK(); ok {
		de.Name = name
	}
	if msg, ok := reply.Lookup("errmsg").StringValueOK(); ok {
		de.Message = msg
	} else if de.Message == "" && de.Code == 0 && de.Name == "" {
		return nil
	}
	if labelsArr, ok := reply.Lookup("errorLabels").ArrayOK(); ok {
		values, _ := labelsArr.Values()
		for _, v := range values {
			if s, ok := v.StringValueOK(); ok {
				de.Labels = append(de.Labels, s)
			}
		}
	}
	de.Raw = reply
	return de
}
