package core

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"erpcore/pkg/domain"
)

// keyedMutex serializes callers per key while letting distinct keys proceed
// in parallel. Entries are dropped once nobody holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func identityKey(orgID, entityType, normalizedName string) string {
	return "entity|" + orgID + "|" + entityType + "|" + normalizedName
}

// ResolveInput names the entity to resolve and the attributes seeded when it
// has to be created.
type ResolveInput struct {
	EntityType   string
	DisplayName  string
	TaxonomyCode string
	Seed         []domain.Attribute
}

// DefaultEntityTaxonomy derives the taxonomy code used when a resolve call
// does not supply one.
func DefaultEntityTaxonomy(entityType string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(entityType) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-', r == '_', r == '.':
			b.WriteRune('_')
		}
	}
	seg := strings.Trim(b.String(), "_")
	for len(seg) < 2 {
		seg += "X"
	}
	if len(seg) > 30 {
		seg = seg[:30]
	}
	return "ERP.ENTITY." + seg + ".v1"
}

// ResolveOrCreate maps (organization, type, display name) to exactly one live
// entity, creating it with the seed attributes only when absent. Concurrent
// calls for the same key are serialized in process and, on SQL backends,
// through a transaction-scoped lock and a partial unique index.
func (s *Service) ResolveOrCreate(ctx context.Context, scope Scope, in ResolveInput) (string, bool, domain.Result, error) {
	code := in.TaxonomyCode
	if code == "" {
		code = DefaultEntityTaxonomy(in.EntityType)
	}
	// A hit needs no write, so schema requirements on the seed do not apply.
	if scope.OrganizationID != "" && in.EntityType != "" {
		var found string
		err := s.store.View(ctx, func(v domain.TransactionView) error {
			e, ok, err := v.FindLiveEntityByName(scope.OrganizationID, in.EntityType, domain.NormalizeName(in.DisplayName))
			if ok {
				found = e.ID
			}
			return err
		})
		if err != nil {
			return "", false, domain.Result{}, err
		}
		if found != "" {
			return found, false, domain.Result{}, nil
		}
	}
	rec, created, res, err := s.CreateEntity(ctx, scope, EntityInput{
		Entity: domain.Entity{
			EntityType:   in.EntityType,
			EntityName:   in.DisplayName,
			TaxonomyCode: code,
		},
		Attributes:      in.Seed,
		ResolveExisting: true,
	})
	if err != nil {
		return "", false, res, err
	}
	return rec.ID, created, res, nil
}
