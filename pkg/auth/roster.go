package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/snapshot"
)

// Seed is a bootstrap identity installed when the roster is loaded
type Seed struct {
	Principal    Principal
	PasswordHash string
}

// Roster holds the locally known principals and the credential map.
// The credential map also overrides librarian directory passwords once a
// rotation has completed for a librarian.
type Roster struct {
	mu          sync.RWMutex
	principals  map[string]*Principal
	credentials map[string]string
	kv          snapshot.KV
	log         logrus.FieldLogger
}

// LoadRoster hydrates the roster from kv and installs the seeds. Seeds replace
// any persisted principal of the same username, but a persisted credential
// (from a completed rotation) wins over the seed password.
func LoadRoster(ctx context.Context, kv snapshot.KV, seeds []Seed, log logrus.FieldLogger) (*Roster, error) {
	if log == nil {
		log = logrus.New()
	}

	superAdmins := 0
	for _, s := range seeds {
		if s.Principal.Role == RoleSuperAdmin {
			superAdmins++
		}
	}
	if superAdmins != 1 {
		return nil, fmt.Errorf("exactly one super-admin bootstrap identity is required, got %d", superAdmins)
	}

	r := &Roster{
		principals:  make(map[string]*Principal),
		credentials: make(map[string]string),
		kv:          kv,
		log:         log,
	}

	var persisted []*Principal
	if _, err := kv.Get(ctx, snapshot.KeyRoster, &persisted); err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}
	if _, err := kv.Get(ctx, snapshot.KeyCredentialMap, &r.credentials); err != nil {
		return nil, fmt.Errorf("failed to load credential map: %w", err)
	}
	if r.credentials == nil {
		r.credentials = make(map[string]string)
	}

	for _, p := range persisted {
		if p.Role == RoleSuperAdmin {
			// only the configured bootstrap identity may hold the role
			continue
		}
		r.principals[p.Username] = p
	}

	for _, s := range seeds {
		p := s.Principal.Clone()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		if p.CreatedBy == "" {
			p.CreatedBy = "bootstrap"
		}
		r.principals[p.Username] = p
		if _, ok := r.credentials[p.Username]; !ok {
			r.credentials[p.Username] = s.PasswordHash
		}
	}

	if err := r.persist(ctx); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"principals": len(r.principals),
		"seeds":      len(seeds),
	}).Info("Roster loaded")
	return r, nil
}

// persist writes the roster and credential map; callers hold the write lock
func (r *Roster) persist(ctx context.Context) error {
	principals := make([]*Principal, 0, len(r.principals))
	for _, p := range r.principals {
		principals = append(principals, p)
	}
	sort.Slice(principals, func(i, j int) bool { return principals[i].Username < principals[j].Username })

	if err := r.kv.Put(ctx, snapshot.KeyRoster, principals); err != nil {
		return errs.Transport("roster.persist", err)
	}
	if err := r.kv.Put(ctx, snapshot.KeyCredentialMap, r.credentials); err != nil {
		return errs.Transport("roster.persist", err)
	}
	return nil
}

// Lookup returns a copy of the principal registered under username
func (r *Roster) Lookup(username string) (*Principal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.principals[username]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Exists reports whether username is taken
func (r *Roster) Exists(username string) bool {
	_, ok := r.Lookup(username)
	return ok
}

// List returns every principal ordered by username
func (r *Roster) List() []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Principal, 0, len(r.principals))
	for _, p := range r.principals {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Credential returns the effective credential hash for username
func (r *Roster) Credential(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hash, ok := r.credentials[username]
	return hash, ok
}

// Add materializes a new principal with its credential. Usernames are unique.
func (r *Roster) Add(ctx context.Context, p *Principal, passwordHash string) error {
	if p == nil || p.Username == "" {
		return errs.Validation("username is required")
	}
	if !p.Role.Valid() || p.Role == RoleSuperAdmin {
		return errs.Validation("role %q cannot be added to the roster", p.Role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.principals[p.Username]; exists {
		return errs.Validation("username %q is already taken", p.Username)
	}

	prevCred, hadCred := r.credentials[p.Username]
	added := p.Clone()
	added.Permissions = NormalizePermissions(added.Permissions)
	r.principals[p.Username] = added
	r.credentials[p.Username] = passwordHash

	if err := r.persist(ctx); err != nil {
		delete(r.principals, p.Username)
		if hadCred {
			r.credentials[p.Username] = prevCred
		} else {
			delete(r.credentials, p.Username)
		}
		return err
	}

	r.log.WithFields(logrus.Fields{
		"username": p.Username,
		"role":     p.Role,
	}).Info("Principal added to roster")
	return nil
}

// SetCredential replaces the effective credential of username
func (r *Roster) SetCredential(ctx context.Context, username, passwordHash string) error {
	if username == "" || passwordHash == "" {
		return errs.Validation("username and credential are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.credentials[username]
	r.credentials[username] = passwordHash
	if err := r.persist(ctx); err != nil {
		if had {
			r.credentials[username] = prev
		} else {
			delete(r.credentials, username)
		}
		return err
	}
	return nil
}

// SetPermissions replaces the permission set of a roster principal. Only a
// super-admin may change permissions; roles never change.
func (r *Roster) SetPermissions(ctx context.Context, actor *Principal, username string, perms []string) (*Principal, error) {
	if !actor.IsSuperAdmin() {
		return nil, errs.Forbidden("only a super-admin can change permissions")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[username]
	if !ok {
		return nil, errs.NotFound("principal", username)
	}

	prev := p.Permissions
	p.Permissions = NormalizePermissions(perms)
	if err := r.persist(ctx); err != nil {
		p.Permissions = prev
		return nil, err
	}
	return p.Clone(), nil
}
