// Package users holds the server's account table. The table is built once at
// startup and never mutated afterwards, so every session can read it without
// locking.
package users

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// Account is one configured user. Root is the absolute host directory the
// user is confined to. AnyPassword marks anonymous-style accounts whose PASS
// argument is accepted unchecked; that is a per-account configuration choice,
// not a bypass.
type Account struct {
	Username    string
	Password    string
	Root        string
	AnyPassword bool
}

// Authentication failures. The two cases are collapsed into one reply on the
// wire so a client cannot probe which usernames exist, but they stay distinct
// here for logging.
var (
	ErrUnknownUser = errors.New("unknown user")
	ErrBadPassword = errors.New("bad password")
)

// Store answers authentication queries. Immutable after New.
type Store struct {
	accounts map[string]*Account
}

// New builds a store from the configured accounts.
func New(accounts []Account) (*Store, error) {
	m := make(map[string]*Account, len(accounts))
	for i := range accounts {
		a := accounts[i]
		if a.Username == "" {
			return nil, errors.New("account with empty username")
		}
		if a.Root == "" {
			return nil, fmt.Errorf("account %q has no root directory", a.Username)
		}
		if _, ok := m[a.Username]; ok {
			return nil, fmt.Errorf("duplicate account %q", a.Username)
		}
		m[a.Username] = &a
	}
	return &Store{accounts: m}, nil
}

// Get finds an account by username.
func (s *Store) Get(username string) (*Account, error) {
	a, ok := s.accounts[username]
	if !ok {
		return nil, ErrUnknownUser
	}
	return a, nil
}

// Authenticate checks a username/password pair and returns the matching
// account. The password comparison is constant-time; the username lookup is
// not, which is fine since usernames are not secrets.
func (s *Store) Authenticate(username, password string) (*Account, error) {
	a, ok := s.accounts[username]
	if !ok {
		return nil, ErrUnknownUser
	}
	if a.AnyPassword {
		return a, nil
	}
	if subtle.ConstantTimeCompare([]byte(a.Password), []byte(password)) != 1 {
		return nil, ErrBadPassword
	}
	return a, nil
}

// Len reports how many accounts are configured.
func (s *Store) Len() int { return len(s.accounts) }
