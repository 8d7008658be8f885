package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/crypto"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

// Request signing headers.
const (
	HeaderAgentID   = "X-Agent-ID"
	HeaderNonce     = "X-Agent-Nonce"
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderSignature = "X-Agent-Signature"
	HeaderAPIKey    = "X-Agent-Key"
)

const nonceTTL = 3 * time.Minute

// Authenticator verifies Ed25519 request signatures and attaches the
// caller's security context.
type Authenticator struct {
	dir    store.DataStore
	kv     store.KV
	logger zerolog.Logger
	window time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator that resolves principals in dir
// and records used nonces in kv.
func NewAuthenticator(dir store.DataStore, kv store.KV, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		dir:    dir,
		kv:     kv,
		logger: logger,
		window: 30 * time.Second, // Tight window to minimize replay attack surface
		now:    time.Now,
	}
}

// RequireAuth rejects requests without a valid signature.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get(HeaderAgentID)
		nonce := r.Header.Get(HeaderNonce)
		timestamp := r.Header.Get(HeaderTimestamp)
		signature := r.Header.Get(HeaderSignature)

		if agentID == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !a.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		// Min 24 chars for adequate entropy
		if len(nonce) < 24 {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}

		id, err := uuid.Parse(agentID)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid agent ID format")
			return
		}

		principal, err := a.dir.GetPrincipalByID(r.Context(), id)
		if err != nil {
			a.logger.Error().Err(err).Msg("principal lookup failed")
			jsonError(w, http.StatusServiceUnavailable, "directory unavailable")
			return
		}
		if principal == nil {
			jsonError(w, http.StatusUnauthorized, "agent not found")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body))

		pubkey, err := crypto.ValidatePublicKey(principal.PublicKey)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid agent public key")
			return
		}
		signedData := crypto.SignaturePayload(sha256Hex(body), nonce, ts)
		if err := crypto.VerifySignature(pubkey, signedData, signature); err != nil {
			a.logger.Warn().
				Str("type", "security").
				Str("event", "invalid_signature").
				Str("agent", agentID).
				Str("ip", RealIP(r)).
				Msg("signature verification failed")
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		// Claimed only after the signature checks out.
		fresh, err := a.kv.SetNX(r.Context(), "nonce:"+agentID+":"+nonce, "1", nonceTTL)
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		if !fresh {
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		sc := security.ForPrincipal(principal)
		annotateCaller(r.Context(), sc)
		next.ServeHTTP(w, r.WithContext(security.WithContext(r.Context(), sc)))
	})
}

// RequirePermission rejects callers whose context lacks perm.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !security.FromContext(r.Context()).Has(perm) {
				jsonError(w, http.StatusForbidden, "missing permission "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuthenticateConnection resolves the caller of a WebSocket handshake from
// the agent id and the API key issued at registration. Both may be sent as
// headers or as the agent and token query parameters.
func (a *Authenticator) AuthenticateConnection(r *http.Request) (security.Context, error) {
	agentID := r.Header.Get(HeaderAgentID)
	if agentID == "" {
		agentID = r.URL.Query().Get("agent")
	}
	token := r.Header.Get(HeaderAPIKey)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if agentID == "" || token == "" {
		return security.Anonymous(), crypto.ErrInvalidAPIKey
	}

	id, err := uuid.Parse(agentID)
	if err != nil {
		return security.Anonymous(), crypto.ErrInvalidAPIKey
	}
	principal, err := a.dir.GetPrincipalByID(r.Context(), id)
	if err != nil {
		return security.Anonymous(), err
	}
	if principal == nil {
		return security.Anonymous(), crypto.ErrInvalidAPIKey
	}
	if err := crypto.VerifyAPIKey(principal.APIKeyHash, token); err != nil {
		a.logger.Warn().
			Str("type", "security").
			Str("event", "invalid_api_key").
			Str("agent", agentID).
			Str("ip", RealIP(r)).
			Msg("websocket authentication failed")
		return security.Anonymous(), err
	}
	sc := security.ForPrincipal(principal)
	annotateCaller(r.Context(), sc)
	return sc, nil
}

func (a *Authenticator) isTimestampValid(ts int64) bool {
	now := a.now().UnixMilli()
	windowMs := a.window.Milliseconds()
	// Only past timestamps within the window are accepted
	return ts > now-windowMs && ts <= now
}

func sha256Hex(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

