// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"golang.org/x/crypto/ocsp"

	"github.com/youmark/pkcs8"

	"github.com/coredb-io/godriver/address"
)

// TLSOptions mirrors the connection-string TLS knobs a Client is configured
// with ("TLS"); parsing the connection string itself is a
// Non-goal, so these are assumed already resolved by the caller.
type TLSOptions struct {
	CAFile string
	CertificateFile string
	PrivateKeyFile string
	PrivateKeyPassword string
	InsecureSkipVerify bool
	DisableOCSPEndpoint bool
}

// BuildTLSConfig constructs a *tls.Config from TLSOptions, decrypting an
// encrypted PKCS#8 private key with github.com/youmark/pkcs8 if the
// configured key file needs a password (the driver DOMAIN STACK: "TLS dial
// path: decrypting PKCS#8-encrypted client certificate private keys").
func BuildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}

	if opts.CAFile != "" {
		pemBytes, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}

	if opts.CertificateFile != "" {
		cert, err := loadKeyPair(opts.CertificateFile, opts.PrivateKeyFile, opts.PrivateKeyPassword)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// loadKeyPair reads a PEM certificate (and, if keyFile is empty, trailing
// key blocks in certFile) and private key, transparently decrypting a
// PKCS#8-encrypted key with keyPassword.
func loadKeyPair(certFile, keyFile, keyPassword string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading certificate file: %w", err)
	}
	keySource := certFile
	keyPEM := certPEM
	if keyFile != "" {
		keySource = keyFile
		keyPEM, err = os.ReadFile(keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("reading private key file: %w", err)
		}
	}

	if keyPassword == "" {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err == nil {
			return cert, nil
		}
		// Fall through: the key may still be encrypted even though no
		// password was configured, in which case the error below is more
		// informative than tls.X509KeyPair's.
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM block found in %s", keySource)
	}
	key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(keyPassword))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypting PKCS#8 private key %s: %w", keySource, err)
	}

	// Re-encode the decrypted key as a plain PKCS#8 block so
	// tls.X509KeyPair's generic PEM parsing can assemble the certificate.
	plainKeyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("re-marshaling decrypted private key: %w", err)
	}
	plainKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: plainKeyDER})
	return tls.X509KeyPair(certPEM, plainKeyPEM)
}

// configureTLS performs the TLS client handshake over nc and, unless
// certificate verification is disabled, checks the server's OCSP staple
// (the driver DOMAIN STACK: "OCSP-staple verification of the server
// certificate").
func configureTLS(ctx context.Context, nc net.Conn, addr address.Address, cfg *tls.Config) (net.Conn, error) {
	conf := cfg.Clone()
	if conf.ServerName == "" {
		host := addr.String()
		if idx := strings.LastIndex(host, ":"); idx >= 0 {
			host = host[:idx]
		}
		conf.ServerName = host
	}

	client := tls.Client(nc, conf)
	done := make(chan error, 1)
	go func() { done <- client.HandshakeContext(ctx) }()
	select {
	case <-ctx.Done():
		_ = client.Close()
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, err
		}
	}

	if !conf.InsecureSkipVerify {
		if err := verifyOCSPStaple(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	return client, nil
}

// verifyOCSPStaple checks a stapled OCSP response if the server sent one;
// if none was stapled, this is a no-op (full OCSP responder fallback,
// caching, and must-staple enforcement are left to a higher-level TLS
// config the caller can build; this is one step of a larger verification
// chain rather than the whole of it).
func verifyOCSPStaple(client *tls.Conn) error {
	state := client.ConnectionState()
	if len(state.OCSPResponse) == 0 || len(state.VerifiedChains) == 0 {
		return nil
	}
	chain := state.VerifiedChains[0]
	if len(chain) < 2 {
		return nil
	}

	resp, err := ocsp.ParseResponseForCert(state.OCSPResponse, chain[0], chain[1])
	if err != nil {
		return fmt.Errorf("parsing OCSP staple: %w", err)
	}
	if resp.Status == ocsp.Revoked {
		return fmt.Errorf("certificate for %s has been revoked", client.ConnectionState().ServerName)
	}
	return nil
}

// defaultHTTPClient is a package-level HTTP client. The dial path does not
// use it: verifyOCSPStaple checks only a stapled OCSP response and queries
// no OCSP responder.
var defaultHTTPClient = &http.Client{}
