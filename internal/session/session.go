// Package session keeps hot per-user state out of the persistent store.
//
// Two bounded recency caches sit beside the ledger: one for registration
// status and one for language codes. Both are consulted on every user-facing
// operation; a miss falls back to the store. Each cache has its own internal
// lock and the fallback read never happens under it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"commonpurse/internal/cache"
	"commonpurse/internal/core"
	"commonpurse/internal/storage"
)

// DefaultLanguage is served when a user has no stored language.
const DefaultLanguage = core.LanguageCode("en")

// StateReader is the persistent-store fallback for cache misses.
type StateReader interface {
	IsRegistered(ctx context.Context, id core.UserID) (bool, error)
	UserLanguage(ctx context.Context, id core.UserID) (core.LanguageCode, error)
	SetUserLanguage(ctx context.Context, id core.UserID, language core.LanguageCode) error
}

// Caches holds the two session cache instances. Construct once at process
// start and inject into request handlers; the caches are safe for concurrent
// use by many workers.
type Caches struct {
	registration *cache.Recency[core.UserID, bool]
	language     *cache.Recency[core.UserID, core.LanguageCode]
	store        StateReader
}

// NewCaches creates session caches with the given per-cache capacity.
func NewCaches(capacity int, store StateReader) *Caches {
	return &Caches{
		registration: cache.NewRecency[core.UserID, bool](capacity),
		language:     cache.NewRecency[core.UserID, core.LanguageCode](capacity),
		store:        store,
	}
}

// IsRegistered checks the cache first and falls back to the store on a miss.
// Only a positive result is cached: registration is a one-way transition in
// normal operation, and caching "false" could mask a registration completed
// moments later through another path. Never-registered users pay an extra
// store read per check; that cost is accepted.
func (c *Caches) IsRegistered(ctx context.Context, user core.UserID) (bool, error) {
	if registered, ok := c.registration.Get(user); ok {
		return registered, nil
	}

	registered, err := c.store.IsRegistered(ctx, user)
	if err != nil {
		return false, fmt.Errorf("registration fallback read: %w", err)
	}
	if registered {
		c.registration.Put(user, true)
	}
	return registered, nil
}

// Language returns the user's language, falling back to the store on a miss.
// Users without a stored language get DefaultLanguage, uncached.
func (c *Caches) Language(ctx context.Context, user core.UserID) (core.LanguageCode, error) {
	if lang, ok := c.language.Get(user); ok {
		return lang, nil
	}

	lang, err := c.store.UserLanguage(ctx, user)
	if errors.Is(err, storage.ErrNotFound) {
		return DefaultLanguage, nil
	}
	if err != nil {
		return DefaultLanguage, fmt.Errorf("language fallback read: %w", err)
	}

	c.language.Put(user, lang)
	return lang, nil
}

// ChangeLanguage persists the new language, then removes and immediately
// repopulates the cache entry so a stale language is never served after a
// confirmed change.
func (c *Caches) ChangeLanguage(ctx context.Context, user core.UserID, lang core.LanguageCode) error {
	if !lang.Valid() {
		return fmt.Errorf("invalid language code %q", lang)
	}

	if err := c.store.SetUserLanguage(ctx, user, lang); err != nil {
		return fmt.Errorf("persist language change: %w", err)
	}

	c.MarkLanguage(user, lang)

	slog.InfoContext(ctx, "Language changed", "user_id", user, "language", lang)
	return nil
}

// MarkLanguage replaces the cached language entry after the store has been
// updated through another path, such as re-registration. Without it the cache
// would keep serving the code that was current when the entry was warmed.
func (c *Caches) MarkLanguage(user core.UserID, lang core.LanguageCode) {
	c.language.Remove(user)
	c.language.Put(user, lang)
}

// InvalidateRegistration drops a user's registration entry, called when the
// user's membership is deleted.
func (c *Caches) InvalidateRegistration(user core.UserID) {
	c.registration.Remove(user)
}

// InvalidateMembers drops registration entries for every listed user, called
// when an entire group is deleted.
func (c *Caches) InvalidateMembers(users []core.UserID) {
	for _, u := range users {
		c.registration.Remove(u)
	}
}

// MarkRegistered records a fresh registration so the first subsequent check
// is already a hit.
func (c *Caches) MarkRegistered(user core.UserID) {
	c.registration.Put(user, true)
}
