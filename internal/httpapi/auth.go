package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/automlkit/ensembled/internal/losscache"
)

// Authenticator checks bearer API keys against bcrypt hashes in the store.
type Authenticator struct {
	Store *losscache.Store
}

// keyPrefixLen is how many leading plaintext characters are stored in clear
// to narrow the hash lookup.
const keyPrefixLen = 7

// GenerateKey mints a new API key, stores its hash and returns the
// plaintext exactly once.
func (a *Authenticator) GenerateKey(ctx context.Context, name string) (string, losscache.APIKeyRecord, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", losscache.APIKeyRecord{}, err
	}
	key := "ek-" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", losscache.APIKeyRecord{}, err
	}

	record := losscache.APIKeyRecord{
		ID:        hex.EncodeToString(raw[:8]),
		Name:      name,
		Prefix:    key[:keyPrefixLen],
		HashedKey: string(hash),
		CreatedAt: time.Now(),
	}
	if err := a.Store.CreateAPIKey(ctx, record); err != nil {
		return "", losscache.APIKeyRecord{}, err
	}
	return key, record, nil
}

// Middleware enforces `Authorization: Bearer <key>` on the wrapped handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}
		key := parts[1]
		if len(key) < keyPrefixLen {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		keys, err := a.Store.APIKeysByPrefix(r.Context(), key[:keyPrefixLen])
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		var found *losscache.APIKeyRecord
		for i, k := range keys {
			if bcrypt.CompareHashAndPassword([]byte(k.HashedKey), []byte(key)) == nil {
				found = &keys[i]
				break
			}
		}
		if found == nil {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		go func(id string) {
			if err := a.Store.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
				log.Printf("httpapi: update key last used: %v", err)
			}
		}(found.ID)

		next.ServeHTTP(w, r)
	})
}
