// Copyright 2025 The kbflow Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"encoding/base64"
	"net/http"

	"github.com/bytedance/sonic"
)

// jwk is the public half of the dispatcher's signing key in JWK form.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// JWKS returns the key set receivers use to verify delivery signatures.
func (d *Dispatcher) JWKS() any {
	pub := d.signingKey.PublicKey
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	return jwkSet{
		Keys: []jwk{{
			Kty: "EC",
			Crv: "P-256",
			Use: "sig",
			Kid: d.keyID,
			X:   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, byteLen))),
			Y:   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, byteLen))),
		}},
	}
}

// JWKSHandler serves the dispatcher's public keys as a JWK set.
func (d *Dispatcher) JWKSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, err := sonic.ConfigDefault.Marshal(d.JWKS())
		if err != nil {
			http.Error(w, "failed to encode key set", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
}
