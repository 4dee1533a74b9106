// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

// MongoDBAWS is the mechanism name for IAM-role based authentication.
const MongoDBAWS = "MONGODB-AWS"

func newMongoDBAWSAuthenticator(cred *Cred) (Authenticator, error) {
	if cred.Source != "" && cred.Source != "$external" {
		return nil, newAuthError("MONGODB-AWS source must be empty or $external", nil)
	}
	return &MongoDBAWSAuthenticator{
		staticCreds: awsCredentials{
			AccessKeyID: cred.Username,
			SecretAccessKey: cred.Password,
			SessionToken: cred.Props["AWS_SESSION_TOKEN"],
		},
	}, nil
}

// MongoDBAWSAuthenticator uses AWS IAM credentials, signed with SigV4 over
// an STS GetCallerIdentity request, as a SASL mechanism. It
// is self-contained (no AWS SDK dependency, matching the fact that none of
// the retrieved pack repos import one): credentials are resolved from the
// configured username/password, then the standard AWS environment
// variables, then the ECS and EC2 instance-metadata endpoints, in that
// order, mirroring the driver specification's credential precedence.
type MongoDBAWSAuthenticator struct {
	staticCreds awsCredentials
}

// Auth authenticates the connection.
func (a *MongoDBAWSAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	if cfg.HTTPClient == nil {
		return newAuthError("MONGODB-AWS requires an HTTP client for credential/STS resolution", nil)
	}
	adapter := &awsSaslAdapter{
		conv: &awsConversation{
			httpClient: cfg.HTTPClient,
			static: a.staticCreds,
		},
	}
	if err := ConductSaslConversation(ctx, cfg, "$external", adapter); err != nil {
		return newAuthError("MONGODB-AWS conversation error", err)
	}
	return nil
}

type awsSaslAdapter struct {
	conv *awsConversation
}

func (a *awsSaslAdapter) Start() (string, []byte, error) {
	step, err := a.conv.step(nil)
	return MongoDBAWS, step, err
}

func (a *awsSaslAdapter) Next(challenge []byte) ([]byte, error) {
	return a.conv.step(challenge)
}

func (a *awsSaslAdapter) Completed() bool {
	return a.conv.done
}

type awsCredentials struct {
	AccessKeyID string
	SecretAccessKey string
	SessionToken string
}

func (c awsCredentials) empty() bool {
	return c.AccessKeyID == "" || c.SecretAccessKey == ""
}

// awsConversation drives the two-step MONGODB-AWS SASL exchange: a client
// nonce out, a server nonce + STS host back, then a SigV4-signed
// GetCallerIdentity authorization header out.
type awsConversation struct {
	httpClient *http.Client
	static awsCredentials
	clientNonce [32]byte
	done bool
}

func (c *awsConversation) step(challenge []byte) ([]byte, error) {
	if challenge == nil {
		if _, err := io.ReadFull(rand.Reader, c.clientNonce[:]); err != nil {
			return nil, fmt.Errorf("generating client nonce: %w", err)
		}
		idx, dst := bsoncore.AppendDocumentStart(nil)
		dst = bsoncore.AppendBinaryElement(dst, "r", 0x00, c.clientNonce[:])
		dst = bsoncore.AppendInt32Element(dst, "p", int32('n'))
		return bsoncore.AppendDocumentEnd(dst, idx)
	}

	doc := bsoncore.Document(challenge)
	_, serverNonce, ok := doc.Lookup("s").BinaryOK()
	if !ok {
		return nil, errors.New("server reply missing server nonce")
	}
	host, ok := doc.Lookup("h").StringValueOK()
	if !ok {
		return nil, errors.New("server reply missing STS host")
	}
	if len(serverNonce) != 64 || !hasPrefix(serverNonce, c.clientNonce[:]) {
		return nil, errors.New("server nonce does not extend client nonce")
	}

	creds, err := c.resolveCredentials()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	authHeader, dateHeader, err := signSTSRequest(host, serverNonce, creds, now)
	if err != nil {
		return nil, err
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "a", authHeader)
	dst = bsoncore.AppendStringElement(dst, "d", dateHeader)
	if creds.SessionToken != "" {
		dst = bsoncore.AppendStringElement(dst, "t", creds.SessionToken)
	}
	reply, err := bsoncore.AppendDocumentEnd(dst, idx)
	c.done = true
	return reply, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// resolveCredentials implements the AWS credential precedence described in
// the driver: explicit username/password, then environment variables,
// then the ECS container endpoint, then the EC2 instance-metadata (IMDSv2)
// endpoint.
func (c *awsConversation) resolveCredentials() (awsCredentials, error) {
	if !c.static.empty() {
		return c.static, nil
	}

	env := awsCredentials{
		AccessKeyID: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken: os.Getenv("AWS_SESSION_TOKEN"),
	}
	if !env.empty() {
		return env, nil
	}

	if uri := os.Getenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI"); uri != "" {
		return c.fetchMetadataCredentials(context.Background(), "http://169.254.170.2"+uri, nil)
	}

	token, err := c.fetchIMDSv2Token(context.Background())
	if err != nil {
		return awsCredentials{}, fmt.Errorf("resolving EC2 instance metadata token: %w", err)
	}
	headers := map[string]string{"X-aws-ec2-metadata-token": token}
	role, err := c.fetchText(context.Background(), "http://169.254.169.254/latest/meta-data/iam/security-credentials/", headers)
	if err != nil {
		return awsCredentials{}, fmt.Errorf("resolving EC2 instance role name: %w", err)
	}
	return c.fetchMetadataCredentials(context.Background(), "http://169.254.169.254/latest/meta-data/iam/security-credentials/"+strings.TrimSpace(role), headers)
}

func (c *awsConversation) fetchIMDSv2Token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://169.254.169.254/latest/api/token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", "30")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching IMDSv2 token", resp.StatusCode)
	}
	return string(body), nil
}

func (c *awsConversation) fetchText(ctx context.Context, url string, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	return string(body), nil
}

func (c *awsConversation) fetchMetadataCredentials(ctx context.Context, url string, headers map[string]string) (awsCredentials, error) {
	body, err := c.fetchText(ctx, url, headers)
	if err != nil {
		return awsCredentials{}, err
	}
	var parsed struct {
		AccessKeyID string `json:"AccessKeyId"`
		SecretAccessKey string `json:"SecretAccessKey"`
		Token string `json:"Token"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return awsCredentials{}, fmt.Errorf("decoding credential metadata response: %w", err)
	}
	if parsed.AccessKeyID == "" || parsed.SecretAccessKey == "" {
		return awsCredentials{}, errors.New("credential metadata response missing access key")
	}
	return awsCredentials{AccessKeyID: parsed.AccessKeyID, SecretAccessKey: parsed.SecretAccessKey, SessionToken: parsed.Token}, nil
}

// signSTSRequest builds the Authorization header for a SigV4-signed
// GetCallerIdentity request to host, per AWS's Signature Version 4 process,
// and returns it along with the X-Amz-Date value used in the signature
// (`a`/`d` reply fields).
func signSTSRequest(host string, serverNonce []byte, creds awsCredentials, now time.Time) (authHeader, dateHeader string, err error) {
	region := "us-east-1"
	if parts := strings.Split(host, "."); len(parts) > 1 && parts[0] == "sts" {
		region = parts[1]
	}

	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	nonceHeader := base64.StdEncoding.EncodeToString(serverNonce)

	payload := "Action=GetCallerIdentity&Version=2011-06-15"
	payloadHash := sha256Hex([]byte(payload))

	headers := map[string]string{
		"content-length": fmt.Sprintf("%d", len(payload)),
		"content-type": "application/x-www-form-urlencoded",
		"host": host,
		"x-amz-date": amzDate,
		"x-mongodb-gs2-cb-flag": "n",
		"x-mongodb-server-nonce": nonceHeader,
	}
	if creds.SessionToken != "" {
		headers["x-amz-security-token"] = creds.SessionToken
	}

	signedHeaders, canonicalHeaders := canonicalizeHeaders(headers)
	canonicalRequest := strings.Join([]string{
			"POST",
			"/",
			"",
			canonicalHeaders,
			signedHeaders,
			payloadHash,
		}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/sts/aws4_request", dateStamp, region)
	stringToSign := strings.Join([]string{
			"AWS4-HMAC-SHA256",
			amzDate,
			credentialScope,
			sha256Hex([]byte(canonicalRequest)),
		}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, region, "sts")
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	authHeader = fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKeyID, credentialScope, signedHeaders, signature,
	)
	return authHeader, amzDate, nil
}

func canonicalizeHeaders(headers map[string]string) (signedHeaders, canonicalHeaders string) {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	// simple insertion sort: the header set is small and fixed, and this
	// avoids pulling in sort for one call site.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	var sb, hb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(name)
		hb.WriteString(name)
		hb.WriteByte(':')
		hb.WriteString(headers[name])
		hb.WriteByte('\n')
	}
	return sb.String(), hb.String()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}
