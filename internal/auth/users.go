package auth

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Role controls what a user may do inside their root.
type Role string

const (
	RoleReadOnly  Role = "read-only"
	RoleReadWrite Role = "read-write"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleReadOnly, RoleReadWrite, RoleAdmin:
		return true
	}
	return false
}

// CanWrite reports whether r may modify files.
func (r Role) CanWrite() bool {
	return r == RoleReadWrite || r == RoleAdmin
}

// User is the identity attached to an authenticated request. Root is the
// storage root every path of the user is confined to.
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Root     string `json:"-"`
}

// CanWrite reports whether the user may modify files.
func (u *User) CanWrite() bool { return u.Role.CanWrite() }

type userEntry struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"` // bcrypt hash
	Role     Role   `yaml:"role"`
	Root     string `yaml:"root"`
}

type directoryFile struct {
	Users []userEntry `yaml:"users"`
}

// Directory is the static set of accounts loaded from a YAML file:
//
//	users:
//	  - username: alice
//	    password: $2a$10$...
//	    role: read-write
//	    root: /srv/files/alice
type Directory struct {
	users map[string]userEntry
}

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// dummyHash is compared against when the user does not exist so that
// unknown and known usernames take the same time to reject.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("basket-dummy-password"), bcrypt.DefaultCost)

// LoadDirectory reads and validates the user file at path.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return ParseDirectory(data)
}

// ParseDirectory validates a YAML user list.
func ParseDirectory(data []byte) (*Directory, error) {
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}

	d := &Directory{users: make(map[string]userEntry, len(file.Users))}
	for i, u := range file.Users {
		u.Username = strings.TrimSpace(u.Username)
		switch {
		case u.Username == "":
			return nil, fmt.Errorf("user %d: username is required", i+1)
		case !u.Role.Valid():
			return nil, fmt.Errorf("user %s: unknown role %q", u.Username, u.Role)
		case u.Root == "":
			return nil, fmt.Errorf("user %s: root is required", u.Username)
		case !strings.HasPrefix(u.Password, "$2"):
			return nil, fmt.Errorf("user %s: password must be a bcrypt hash", u.Username)
		}
		if _, dup := d.users[u.Username]; dup {
			return nil, fmt.Errorf("user %s: defined twice", u.Username)
		}
		d.users[u.Username] = u
	}
	if len(d.users) == 0 {
		return nil, fmt.Errorf("users file defines no users")
	}
	return d, nil
}

// Lookup returns the user named username.
func (d *Directory) Lookup(username string) (*User, bool) {
	u, ok := d.users[username]
	if !ok {
		return nil, false
	}
	return &User{Username: u.Username, Role: u.Role, Root: u.Root}, true
}

// Authenticate checks a username and password.
func (d *Directory) Authenticate(username, password string) (*User, error) {
	u, ok := d.users[username]
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &User{Username: u.Username, Role: u.Role, Root: u.Root}, nil
}

// Roots returns every distinct user root, sorted.
func (d *Directory) Roots() []string {
	seen := make(map[string]bool, len(d.users))
	roots := make([]string, 0, len(d.users))
	for _, u := range d.users {
		if !seen[u.Root] {
			seen[u.Root] = true
			roots = append(roots, u.Root)
		}
	}
	sort.Strings(roots)
	return roots
}

// Len returns the number of users.
func (d *Directory) Len() int { return len(d.users) }

// HashPassword returns a bcrypt hash suitable for the users file.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}
