package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paket-core/router/pkg/types"
)

type contextKey string

const userPubkeyKey contextKey = "user_pubkey"

// requireAuth authenticates signed requests. Clients send three headers:
// Pubkey, Fingerprint and Signature. The fingerprint is a comma joined
// string whose first element is the request path and last element a unix
// timestamp, and the signature is the base64 ed25519 signature of the
// fingerprint by the pubkey. In debug mode only the Pubkey header is
// checked.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pubkey := r.Header.Get("Pubkey")
		if pubkey == "" {
			writeError(w, http.StatusBadRequest, "Pubkey header is required")
			return
		}

		if !s.cfg.Debug {
			if err := s.verifySignature(r, pubkey); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}

		ctx := context.WithValue(r.Context(), userPubkeyKey, pubkey)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) verifySignature(r *http.Request, pubkey string) error {
	fingerprint := r.Header.Get("Fingerprint")
	signature := r.Header.Get("Signature")
	if fingerprint == "" || signature == "" {
		return fmt.Errorf("Fingerprint and Signature headers are required")
	}

	parts := strings.Split(fingerprint, ",")
	if len(parts) < 2 {
		return fmt.Errorf("invalid fingerprint")
	}
	if parts[0] != r.URL.Path {
		return fmt.Errorf("fingerprint path mismatch")
	}
	stamp, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid fingerprint timestamp")
	}
	if age := time.Now().Unix() - stamp; age > s.cfg.AuthWindow || age < -s.cfg.AuthWindow {
		return fmt.Errorf("fingerprint is stale")
	}

	key, err := types.KeyPairFromPubkey(pubkey)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}
	if err := key.Verify([]byte(fingerprint), sig); err != nil {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// userPubkey extracts the authenticated pubkey, empty on open routes.
func userPubkey(r *http.Request) string {
	pubkey, _ := r.Context().Value(userPubkeyKey).(string)
	return pubkey
}
