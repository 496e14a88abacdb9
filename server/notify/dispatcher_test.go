// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifyURLEchoAccepted(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("validationToken")
		if token == "" {
			t.Error("verification request missing validationToken")
		}
		io.WriteString(w, token)
	}))
	defer srv.Close()

	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	verified, err := d.VerifyURL(ctx, srv.URL)
	if err != nil {
		t.Fatalf("VerifyURL failed: %v", err)
	}
	if !verified {
		t.Error("echoing receiver not verified")
	}
}

func TestVerifyURLWrongEchoRejected(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not-the-token")
	}))
	defer srv.Close()

	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	verified, err := d.VerifyURL(ctx, srv.URL)
	if err != nil {
		t.Fatalf("VerifyURL failed: %v", err)
	}
	if verified {
		t.Error("receiver verified despite wrong echo")
	}
}

func TestVerifyURLUnreachableRejected(t *testing.T) {
	ctx := context.Background()

	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	verified, err := d.VerifyURL(ctx, "http://127.0.0.1:1/hook")
	if err != nil {
		t.Fatalf("VerifyURL failed: %v", err)
	}
	if verified {
		t.Error("unreachable receiver verified")
	}
}

func TestVerifyURLRejectsBadScheme(t *testing.T) {
	ctx := context.Background()

	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	if _, err := d.VerifyURL(ctx, "ftp://example.com/hook"); err == nil {
		t.Error("ftp URL accepted, want error")
	}
}

func TestSendSignedDelivery(t *testing.T) {
	ctx := context.Background()

	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	type received struct {
		body      []byte
		auth      string
		tokenHdr  string
		mediaType string
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			body:      body,
			auth:      r.Header.Get("Authorization"),
			tokenHdr:  r.Header.Get("X-Notification-Token"),
			mediaType: r.Header.Get("Content-Type"),
		}
	}))
	defer srv.Close()

	payload := map[string]string{"id": "task-1", "state": "completed"}
	if err := d.Send(ctx, srv.URL, "caller-token", payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	r := <-got
	if r.mediaType != "application/json" {
		t.Errorf("Content-Type = %q", r.mediaType)
	}
	if r.tokenHdr != "caller-token" {
		t.Errorf("X-Notification-Token = %q, want caller-token", r.tokenHdr)
	}

	var decoded map[string]string
	if err := json.Unmarshal(r.body, &decoded); err != nil {
		t.Fatalf("delivered body is not JSON: %v", err)
	}
	if decoded["id"] != "task-1" {
		t.Errorf("delivered id = %q", decoded["id"])
	}

	// The bearer token must verify against the JWKS key and bind the body.
	tokenString, ok := strings.CutPrefix(r.auth, "Bearer ")
	if !ok {
		t.Fatalf("Authorization = %q, want bearer token", r.auth)
	}
	parsed, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return &d.signingKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("signature did not verify: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	sum := sha256.Sum256(r.body)
	if claims["request_body_sha256"] != hex.EncodeToString(sum[:]) {
		t.Error("request_body_sha256 claim does not match delivered body")
	}
	if parsed.Header["kid"] != d.keyID {
		t.Errorf("kid = %v, want %s", parsed.Header["kid"], d.keyID)
	}
}

func TestSendRejectedByReceiver(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	if err := d.Send(ctx, srv.URL, "", map[string]string{"id": "task-1"}); err == nil {
		t.Error("Send succeeded against a rejecting receiver")
	}
}

func TestJWKSHandlerServesKey(t *testing.T) {
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	srv := httptest.NewServer(d.JWKSHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Crv string `json:"crv"`
			Kid string `json:"kid"`
			X   string `json:"x"`
			Y   string `json:"y"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		t.Fatalf("JWKS body did not decode: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("key count = %d, want 1", len(set.Keys))
	}
	key := set.Keys[0]
	if key.Kty != "EC" || key.Crv != "P-256" {
		t.Errorf("key type = %s/%s, want EC/P-256", key.Kty, key.Crv)
	}
	if key.Kid != d.keyID {
		t.Errorf("kid = %q, want %q", key.Kid, d.keyID)
	}
	if key.X == "" || key.Y == "" {
		t.Error("key coordinates missing")
	}
}
