// Package credentials stores per-connection OAuth credentials encrypted
// at rest, with an in-process cache and refresh-ahead token renewal.
//
// Plaintext tokens exist only in memory. The store sees a sealed JSON
// payload plus enough plaintext metadata (expiry, key ID) to schedule
// refreshes without decrypting anything.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/darrentmorgan/singura-sub016/internal/store"
	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

// RefreshFunc exchanges a near-expiry credential for a fresh one against
// the platform's token endpoint. Implementations must not mutate cred.
type RefreshFunc func(ctx context.Context, cred models.Credential) (models.Credential, error)

// tokenPayload is the sealed at-rest shape. models.Credential hides its
// token fields from JSON, so the payload is marshaled separately.
type tokenPayload struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Store implements contracts.CredentialService: encrypt-then-persist on
// Put, cached decrypt on Get, and single-flight refresh-ahead on GetValid.
type Store struct {
	store  store.Store
	cipher contracts.Cipher
	window time.Duration

	mu         sync.RWMutex
	cache      map[string]models.Credential
	refreshers map[models.PlatformType]RefreshFunc

	group singleflight.Group
}

var _ contracts.CredentialService = (*Store)(nil)

// NewStore builds the credential store. window controls how close to
// expiry GetValid refreshes ahead of use.
func NewStore(st store.Store, cipher contracts.Cipher, window time.Duration) *Store {
	return &Store{
		store:      st,
		cipher:     cipher,
		window:     window,
		cache:      make(map[string]models.Credential),
		refreshers: make(map[models.PlatformType]RefreshFunc),
	}
}

// RegisterRefresher installs the token-refresh exec for a platform.
// Platforms without one keep serving near-expiry tokens as-is.
func (s *Store) RegisterRefresher(platform models.PlatformType, fn RefreshFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshers[platform] = fn
}

func (s *Store) refresherFor(platform models.PlatformType) RefreshFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshers[platform]
}

// Put encrypts and persists a credential, replacing any existing one for
// the connection. The cache is updated before Put returns (write-through).
func (s *Store) Put(ctx context.Context, connectionID string, cred models.Credential) error {
	cred.ConnectionID = connectionID
	cred.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(tokenPayload{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Scopes:       cred.Scopes,
		ExpiresAt:    cred.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal credential for %s: %w", connectionID, err)
	}

	ciphertext, keyID, err := s.cipher.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypt credential for %s: %w", connectionID, err)
	}
	cred.KeyID = keyID

	row := &store.CredentialRow{
		ConnectionID: connectionID,
		Ciphertext:   ciphertext,
		KeyID:        keyID,
		ExpiresAt:    cred.ExpiresAt,
		UpdatedAt:    cred.UpdatedAt,
	}
	if err := s.store.PutCredentialRow(ctx, row); err != nil {
		return fmt.Errorf("persist credential for %s: %w", connectionID, err)
	}

	s.mu.Lock()
	s.cache[connectionID] = cred
	s.mu.Unlock()
	return nil
}

// Get returns the decrypted credential for a connection, from cache when
// possible. A missing row surfaces the store's typed not-found error.
func (s *Store) Get(ctx context.Context, connectionID string) (models.Credential, error) {
	s.mu.RLock()
	cred, ok := s.cache[connectionID]
	s.mu.RUnlock()
	if ok {
		return cred, nil
	}

	row, err := s.store.GetCredentialRow(ctx, connectionID)
	if err != nil {
		return models.Credential{}, err
	}

	plaintext, err := s.cipher.Decrypt(row.Ciphertext, row.KeyID)
	if err != nil {
		return models.Credential{}, fmt.Errorf("decrypt credential for %s: %w", connectionID, err)
	}
	var payload tokenPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return models.Credential{}, fmt.Errorf("decode credential for %s: %w", connectionID, err)
	}

	cred = models.Credential{
		ConnectionID: connectionID,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    payload.TokenType,
		Scopes:       payload.Scopes,
		ExpiresAt:    payload.ExpiresAt,
		KeyID:        row.KeyID,
		UpdatedAt:    row.UpdatedAt,
	}

	s.mu.Lock()
	s.cache[connectionID] = cred
	s.mu.Unlock()
	return cred, nil
}

// GetValid returns a credential safe for upstream use, refreshing it
// first when it is inside the refresh window. Concurrent callers for the
// same connection share a single upstream refresh.
func (s *Store) GetValid(ctx context.Context, connectionID string) (models.Credential, error) {
	cred, err := s.Get(ctx, connectionID)
	if err != nil {
		return models.Credential{}, err
	}
	if !cred.ExpiresWithin(s.window) {
		return cred, nil
	}

	v, err, _ := s.group.Do(connectionID, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have already
		// refreshed and repopulated the cache.
		cur, err := s.Get(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		if !cur.ExpiresWithin(s.window) {
			return cur, nil
		}
		return s.refresh(ctx, connectionID, cur)
	})
	if err != nil {
		return models.Credential{}, err
	}
	return v.(models.Credential), nil
}

func (s *Store) refresh(ctx context.Context, connectionID string, cred models.Credential) (models.Credential, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return models.Credential{}, fmt.Errorf("resolve connection for refresh: %w", err)
	}

	fn := s.refresherFor(conn.PlatformType)
	if fn == nil || cred.RefreshToken == "" {
		log.Warn().
			Str("connection_id", connectionID).
			Str("platform", string(conn.PlatformType)).
			Bool("has_refresh_token", cred.RefreshToken != "").
			Msg("⚠️ Credential near expiry but not refreshable, returning as-is")
		return cred, nil
	}

	fresh, err := fn(ctx, cred)
	if err != nil {
		return models.Credential{}, fmt.Errorf("refresh credential for %s: %w", connectionID, err)
	}
	if err := s.Put(ctx, connectionID, fresh); err != nil {
		return models.Credential{}, err
	}
	log.Info().
		Str("connection_id", connectionID).
		Str("platform", string(conn.PlatformType)).
		Msg("🔄 Credential refreshed ahead of expiry")

	// Put stamped the key ID and update time; the cache holds the
	// canonical copy.
	s.mu.RLock()
	out := s.cache[connectionID]
	s.mu.RUnlock()
	return out, nil
}

// Delete removes the credential row and evicts the cache entry.
func (s *Store) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	delete(s.cache, connectionID)
	s.mu.Unlock()
	return s.store.DeleteCredentialRow(ctx, connectionID)
}
