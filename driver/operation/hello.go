// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation supplies the representative command builders the
// executor needs and the Operation/Execute pipeline itself.
package operation

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/driver/auth"
	"github.com/coredb-io/godriver/mnet"
)

// ClientMetadata is the `client` sub-document sent on every hello.
type ClientMetadata struct {
	AppName string
	Driver struct{ Name, Version string }
	OS struct{ Type, Architecture string }
	Platform string
}

// DefaultClientMetadata builds the metadata document this process reports.
func DefaultClientMetadata(appName, driverVersion string) ClientMetadata {
	md := ClientMetadata{AppName: appName}
	md.Driver.Name = "coredb-go-driver"
	md.Driver.Version = driverVersion
	md.OS.Type = runtime.GOOS
	md.OS.Architecture = runtime.GOARCH
	md.Platform = runtime.Version()
	return md
}

func (m ClientMetadata) append(dst []byte) []byte {
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "client")

	didx, dst := bsoncore.AppendDocumentElementStart(dst, "driver")
	dst = bsoncore.AppendStringElement(dst, "name", m.Driver.Name)
	dst = bsoncore.AppendStringElement(dst, "version", m.Driver.Version)
	dst, _ = bsoncore.AppendDocumentEnd(dst, didx)

	oidx, dst := bsoncore.AppendDocumentElementStart(dst, "os")
	dst = bsoncore.AppendStringElement(dst, "type", m.OS.Type)
	dst = bsoncore.AppendStringElement(dst, "architecture", m.OS.Architecture)
	dst, _ = bsoncore.AppendDocumentEnd(dst, oidx)

	dst = bsoncore.AppendStringElement(dst, "platform", m.Platform)

	if m.AppName != "" {
		aidx, d2 := bsoncore.AppendDocumentElementStart(dst, "application")
		d2 = bsoncore.AppendStringElement(d2, "name", m.AppName)
		dst, _ = bsoncore.AppendDocumentEnd(d2, aidx)
	}

	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// Handshaker implements driver.Handshaker: it issues the initial hello (and,
// for a monitor connection whose last reply carried a topologyVersion, a
// streaming hello with maxAwaitTimeMS), then finishes by running
// authentication if a credential is configured.
type Handshaker struct {
	Metadata ClientMetadata
	Compressors []string
	Cred *auth.Cred
	ServerAPI *driver.ServerAPIOptions
	LoadBalanced bool
	StreamingEnabled bool
	HeartbeatIntervalMS int32

	lastTopologyVersion *description.TopologyVersion
	authenticator auth.Authenticator
	specAuthReply bsoncore.Document
}

// GetHandshakeInformation implements driver.Handshaker.
func (h *Handshaker) GetHandshakeInformation(ctx context.Context, addr address.Address, conn mnet.Connection) (driver.HandshakeInformation, error) {
	body, authr, err := h.buildHello(ctx)
	if err != nil {
		return driver.HandshakeInformation{}, err
	}
	h.authenticator = authr

	reply, err := driver.RunCommand(ctx, conn, "admin", body)
	if err != nil {
		return driver.HandshakeInformation{}, fmt.Errorf("hello failed: %w", err)
	}

	sdesc := parseHelloReply(addr, reply)
	h.lastTopologyVersion = sdesc.TopologyVersion

	info := driver.HandshakeInformation{Description: sdesc}
	if specAuth, ok := reply.Lookup("speculativeAuthenticate").DocumentOK(); ok {
		info.SpeculativeAuthenticate = specAuth
		h.specAuthReply = specAuth
	}
	if scid, ok := reply.Lookup("connectionId").Int32OK(); ok {
		v := int64(scid)
		info.ServerConnectionID = &v
	}
	return info, nil
}

// FinishHandshake implements driver.Handshaker: it runs authentication, if a
// credential is configured, over the now-handshaken connection.
func (h *Handshaker) FinishHandshake(ctx context.Context, conn mnet.Connection) error {
	if h.Cred == nil || h.authenticator == nil {
		return nil
	}
	cfg := &auth.Config{Connection: conn, ServerAPI: h.ServerAPI}
	if h.specAuthReply != nil {
		cfg.SpeculativeAuthenticate = h.specAuthReply
	}
	return h.authenticator.Auth(ctx, cfg)
}

func (h *Handshaker) buildHello(ctx context.Context) (bsoncore.Document, auth.Authenticator, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)

	if h.lastTopologyVersion != nil && h.StreamingEnabled {
		tvIdx, d2 := bsoncore.AppendDocumentElementStart(dst, "topologyVersion")
		d2 = bsoncore.AppendObjectIDElement(d2, "processId", h.lastTopologyVersion.ProcessID)
		d2 = bsoncore.AppendInt64Element(d2, "counter", h.lastTopologyVersion.Counter)
		dst, _ = bsoncore.AppendDocumentEnd(d2, tvIdx)
		maxAwait := int32(10000)
		if h.HeartbeatIntervalMS > 0 {
			maxAwait = h.HeartbeatIntervalMS
		}
		dst = bsoncore.AppendInt64Element(dst, "maxAwaitTimeMS", int64(maxAwait))
	}

	dst = h.Metadata.append(dst)

	if len(h.Compressors) > 0 {
		aidx, d2 := bsoncore.AppendArrayElementStart(dst, "compression")
		for i, c := range h.Compressors {
			d2 = bsoncore.AppendStringElement(d2, strconv.Itoa(i), c)
		}
		dst, _ = bsoncore.AppendArrayEnd(d2, aidx)
	}

	if h.LoadBalanced {
		dst = bsoncore.AppendBooleanElement(dst, "loadBalanced", true)
	}

	if h.ServerAPI != nil {
		dst = bsoncore.AppendStringElement(dst, "apiVersion", h.ServerAPI.ServerAPIVersion)
		if h.ServerAPI.Strict != nil {
			dst = bsoncore.AppendBooleanElement(dst, "apiStrict", *h.ServerAPI.Strict)
		}
		if h.ServerAPI.DeprecationErrors != nil {
			dst = bsoncore.AppendBooleanElement(dst, "apiDeprecationErrors", *h.ServerAPI.DeprecationErrors)
		}
	}

	var authr auth.Authenticator
	if h.Cred != nil {
		var err error
		authr, err = auth.CreateAuthenticator(h.Cred)
		if err != nil {
			return nil, nil, err
		}
		if h.Cred.Username != "" {
			source := h.Cred.Source
			if source == "" {
				source = "admin"
			}
			dst = bsoncore.AppendStringElement(dst, "saslSupportedMechs", source+"."+h.Cred.Username)
		}
		if sp, ok := authr.(auth.SpeculativeAuthenticator); ok {
			doc, err := sp.SpeculativeAuthenticate(ctx)
			if err == nil && doc != nil {
				dst = bsoncore.AppendDocumentElement(dst, "speculativeAuthenticate", doc)
			}
		}
	}

	doc, err := bsoncore.AppendDocumentEnd(dst, idx)
	return doc, authr, err
}

// parseHelloReply turns a raw hello/isMaster reply into a description.Server.
func parseHelloReply(addr address.Address, reply bsoncore.Document) description.Server {
	if ok, isF := reply.Lookup("ok").DoubleOK(); isF && ok == 0 {
		return description.Server{Addr: addr, Kind: description.Unknown, LastUpdateTime: time.Now()}
	}

	desc := description.Server{
		Addr: addr,
		LastUpdateTime: time.Now(),
	}

	if maxWV, ok := reply.Lookup("maxWireVersion").AsInt64OK(); ok {
		minWV, _ := reply.Lookup("minWireVersion").AsInt64OK()
		vr := description.NewVersionRange(int32(minWV), int32(maxWV))
		desc.WireVersion = &vr
	}

	desc.Kind = classifyKind(reply)

	if s, ok := reply.Lookup("setName").StringValueOK(); ok {
		desc.SetName = s
	}
	if sv, ok := reply.Lookup("setVersion").AsInt64OK(); ok {
		desc.SetVersion = uint32(sv)
	}
	if oid, ok := reply.Lookup("electionId").ObjectIDOK(); ok {
		desc.ElectionID = oid
	}
	if n, ok := reply.Lookup("logicalSessionTimeoutMinutes").AsInt64OK(); ok {
		desc.SessionTimeoutMins = &n
	}
	if n, ok := reply.Lookup("maxMessageSizeBytes").AsInt64OK(); ok {
		desc.MaxMessageSize = uint32(n)
	}
	if n, ok := reply.Lookup("maxWriteBatchSize").AsInt64OK(); ok {
		desc.MaxWriteBatchSize = uint32(n)
	}
	if n, ok := reply.Lookup("maxBsonObjectSize").AsInt64OK(); ok {
		desc.MaxDocumentSize = uint32(n)
	}
	if oid, ok := reply.Lookup("serviceId").ObjectIDOK(); ok {
		desc.ServiceID = &oid
	}
	if s, ok := reply.Lookup("primary").StringValueOK(); ok {
		desc.Primary = address.Address(s)
	}
	desc.Hosts = stringArray(reply, "hosts")
	desc.Passives = stringArray(reply, "passives")
	desc.Arbiters = stringArray(reply, "arbiters")
	desc.Compression = stringArray(reply, "compression")

	if doc, ok := reply.Lookup("topologyVersion").DocumentOK(); ok {
		tv := &description.TopologyVersion{}
		tv.ProcessID, _ = doc.Lookup("processId").ObjectIDOK()
		tv.Counter, _ = doc.Lookup("counter").AsInt64OK()
		desc.TopologyVersion = tv
	}
	return desc
}

func classifyKind(reply bsoncore.Document) description.ServerKind {
	if lookupBool(reply, "isreplicaset") {
		return description.RSGhost
	}
	if s, ok := reply.Lookup("msg").StringValueOK(); ok && s == "isdbgrid" {
		return description.Mongos
	}
	_, hasSetNameErr := reply.LookupErr("setName")
	isPrimary := lookupBool(reply, "ismaster") || lookupBool(reply, "isWritablePrimary")
	if hasSetNameErr != nil {
		if isPrimary {
			return description.RSPrimary
		}
		if lookupBool(reply, "secondary") {
			return description.RSSecondary
		}
		if lookupBool(reply, "arbiterOnly") {
			return description.RSArbiter
		}
		return description.RSOther
	}
	if _, ok := reply.Lookup("serviceId").ObjectIDOK(); ok {
		return description.LoadBalancer
	}
	return description.Standalone
}

func lookupBool(doc bsoncore.Document, key string) bool {
	b, _ := doc.Lookup(key).BooleanOK()
	return b
}

func stringArray(doc bsoncore.Document, key string) []string {
	arr, ok := doc.Lookup(key).ArrayOK()
	if !ok {
		return nil
	}
	vals, err := arr.Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.StringValueOK(); ok {
			out = append(out, s)
		}
	}
	return out
}
