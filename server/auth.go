package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/ssh"

	"github.com/nv259/tensor2struct/envconfig"
)

// clockSkew bounds how far a request timestamp may drift from server time
// before the signature is rejected.
const clockSkew = 5 * time.Minute

const authorizedKeysFile = "authorized_keys"

// loadAuthorizedKeys reads ~/.tensor2struct/authorized_keys. A missing
// file returns an empty set, which accepts any key with a valid signature.
func loadAuthorizedKeys() (map[string]bool, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	bts, err := os.ReadFile(filepath.Join(home, ".tensor2struct", authorizedKeysFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool)
	for len(bts) > 0 {
		pub, _, _, rest, err := ssh.ParseAuthorizedKey(bts)
		if err != nil {
			return allowed, fmt.Errorf("parse authorized key: %w", err)
		}
		allowed[base64.StdEncoding.EncodeToString(pub.Marshal())] = true
		bts = rest
	}
	return allowed, nil
}

// verifyRequest checks the request signature (see the auth package for the
// token format) and returns the signing key for error reporting.
func verifyRequest(r *http.Request, allowed map[string]bool) (string, error) {
	token := r.Header.Get("Authorization")
	if token == "" {
		return "", errors.New("missing authorization token")
	}

	keyPart, sigPart, ok := strings.Cut(token, ":")
	if !ok {
		return keyPart, errors.New("malformed authorization token")
	}

	ts := r.URL.Query().Get("ts")
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return keyPart, errors.New("missing request timestamp")
	}
	if d := time.Since(time.Unix(sec, 0)); d > clockSkew || d < -clockSkew {
		return keyPart, errors.New("request timestamp outside allowed window")
	}

	keyBlob, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil {
		return keyPart, errors.New("malformed public key")
	}
	pub, err := ssh.ParsePublicKey(keyBlob)
	if err != nil {
		return keyPart, errors.New("malformed public key")
	}

	sigBlob, err := base64.StdEncoding.DecodeString(sigPart)
	if err != nil {
		return keyPart, errors.New("malformed signature")
	}

	chal := fmt.Sprintf("%s,%s?ts=%s", r.Method, r.URL.Path, ts)
	if err := pub.Verify([]byte(chal), &ssh.Signature{Format: pub.Type(), Blob: sigBlob}); err != nil {
		return keyPart, errors.New("signature does not match request")
	}

	if len(allowed) > 0 && !allowed[keyPart] {
		return keyPart, errors.New("key is not authorized")
	}

	return keyPart, nil
}

// verifySignatureMiddleware enforces signed requests when T2S_AUTH is set.
// Clients sign "<method>,<path>?ts=<unix>" with their ed25519 key; when an
// authorized_keys file exists the signing key must also be listed there.
func verifySignatureMiddleware() gin.HandlerFunc {
	if !envconfig.UseAuth() {
		return func(c *gin.Context) { c.Next() }
	}

	allowed, err := loadAuthorizedKeys()
	if err != nil {
		slog.Warn("could not read authorized keys", "error", err)
	}

	return func(c *gin.Context) {
		key, err := verifyRequest(c.Request, allowed)
		if err != nil {
			slog.Debug("rejecting request", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request was not authorized", "public_key": key})
			return
		}
		c.Next()
	}
}
