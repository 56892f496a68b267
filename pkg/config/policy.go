package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/consortium/pkg/auth"
)

// Policy is the deployment policy file
type Policy struct {
	Version            string     `yaml:"version"`
	RestrictedColleges []string   `yaml:"restricted_colleges"`
	Bootstrap          []Identity `yaml:"bootstrap"`
}

// Identity is a bootstrap principal. The credential is either a bcrypt
// hash or the name of an environment variable holding the password.
type Identity struct {
	ID           string    `yaml:"id"`
	Username     string    `yaml:"username"`
	Role         auth.Role `yaml:"role"`
	Permissions  []string  `yaml:"permissions"`
	Email        string    `yaml:"email"`
	PasswordHash string    `yaml:"password_hash"`
	PasswordEnv  string    `yaml:"password_env"`
}

// LoadPolicy reads and validates a policy file
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks the bootstrap identities
func (p *Policy) Validate() error {
	seen := make(map[string]bool)
	superAdmins := 0
	for i, id := range p.Bootstrap {
		if id.Username == "" {
			return fmt.Errorf("bootstrap identity %d has no username", i)
		}
		if seen[id.Username] {
			return fmt.Errorf("bootstrap username %q is listed twice", id.Username)
		}
		seen[id.Username] = true
		if !id.Role.Valid() || id.Role == auth.RoleLibrarian {
			return fmt.Errorf("bootstrap identity %q has invalid role %q", id.Username, id.Role)
		}
		if id.Role == auth.RoleSuperAdmin {
			superAdmins++
		}
		if (id.PasswordHash == "") == (id.PasswordEnv == "") {
			return fmt.Errorf("bootstrap identity %q needs exactly one of password_hash or password_env", id.Username)
		}
	}
	if superAdmins != 1 {
		return fmt.Errorf("exactly one superadmin bootstrap identity is required, got %d", superAdmins)
	}
	return nil
}

// Seeds turns the bootstrap identities into roster seeds, hashing passwords
// read from the environment
func (p *Policy) Seeds(hasher *auth.Hasher) ([]auth.Seed, error) {
	seeds := make([]auth.Seed, 0, len(p.Bootstrap))
	for _, id := range p.Bootstrap {
		hash := id.PasswordHash
		if id.PasswordEnv != "" {
			password := os.Getenv(id.PasswordEnv)
			if password == "" {
				return nil, fmt.Errorf("environment variable %s for %q is empty", id.PasswordEnv, id.Username)
			}
			var err error
			if hash, err = hasher.Hash(password); err != nil {
				return nil, err
			}
		}

		principalID := id.ID
		if principalID == "" {
			principalID = "bootstrap-" + id.Username
		}
		seeds = append(seeds, auth.Seed{
			Principal: auth.Principal{
				ID:          principalID,
				Username:    id.Username,
				Role:        id.Role,
				Permissions: auth.NormalizePermissions(id.Permissions),
				CreatedBy:   "bootstrap",
				Email:       id.Email,
			},
			PasswordHash: hash,
		})
	}
	return seeds, nil
}

// Restricted builds the restricted college set
func (p *Policy) Restricted() *auth.RestrictedColleges {
	return auth.NewRestrictedColleges(p.RestrictedColleges)
}
