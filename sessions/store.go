// Package sessions owns the on-disk representation of a login: the two
// credential records, the suspended-MFA bundle, and the manager that
// keeps callers supplied with a fresh session.
package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/openfit-tools/fitcloud-cli/credentials"
	"github.com/openfit-tools/fitcloud-cli/sso"
)

// Fixed filenames inside the cache directory. The MFA bundle lives under
// its own name so it can never be mistaken for a completed session.
const (
	oauth1FileName = "oauth1_token.json"
	oauth2FileName = "oauth2_token.json"
	mfaFileName    = "mfa_state.json"
)

// Store reads and writes the session cache directory. It is the single
// owner of the on-disk representation; corrupt or partial contents are
// reported as absent, never as errors, so a bad cache can always be
// overwritten by a fresh login.
type Store struct {
	dir string
}

// NewStore creates a Store over a cache directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the cache directory path.
func (s *Store) Dir() string { return s.dir }

// Load reads the cached session. Returns nil when either credential file
// is missing, unreadable, or structurally invalid. The session's region
// comes from the stored OAuth1 record, falling back to domainHint.
func (s *Store) Load(domainHint string) *credentials.Session {
	var o1 credentials.OAuth1Token
	if !s.readJSON(oauth1FileName, &o1) {
		return nil
	}
	var o2 credentials.OAuth2Token
	if !s.readJSON(oauth2FileName, &o2) {
		return nil
	}

	domain := o1.Domain
	if domain == "" {
		domain = domainHint
	}
	session := &credentials.Session{OAuth1: &o1, OAuth2: &o2, Domain: domain}
	if !session.Valid() {
		return nil
	}
	return session
}

// Save persists both credential records. Each file is written to a
// temporary name and renamed into place, so a concurrent reader never
// observes a half-written record (best effort, not transactional).
func (s *Store) Save(session *credentials.Session) error {
	if !session.Valid() {
		return errors.New("sessions: refusing to persist a partial session")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrapf(err, "sessions: creating %s", s.dir)
	}
	if err := s.writeJSON(oauth1FileName, session.OAuth1); err != nil {
		return err
	}
	return s.writeJSON(oauth2FileName, session.OAuth2)
}

// Clear removes both credential files. Already-absent files are fine.
func (s *Store) Clear() error {
	for _, name := range []string{oauth1FileName, oauth2FileName} {
		if err := removeIfPresent(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether a structurally valid session is cached, without
// surfacing its contents.
func (s *Store) Exists() bool {
	return s.Load("") != nil
}

// SaveMFAState persists a suspended-login bundle.
func (s *Store) SaveMFAState(state *sso.MFAState) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrapf(err, "sessions: creating %s", s.dir)
	}
	return s.writeJSON(mfaFileName, state)
}

// LoadMFAState reads the suspended-login bundle, nil when absent or
// malformed.
func (s *Store) LoadMFAState() *sso.MFAState {
	var state sso.MFAState
	if !s.readJSON(mfaFileName, &state) {
		return nil
	}
	if state.Source == "" {
		return nil
	}
	return &state
}

// ClearMFAState removes the suspended-login bundle; a no-op when absent.
func (s *Store) ClearMFAState() error {
	return removeIfPresent(filepath.Join(s.dir, mfaFileName))
}

func (s *Store) readJSON(name string, v any) bool {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Debug().Str("file", name).Err(err).Msg("Ignoring malformed cache file")
		return false
	}
	return true
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "sessions: encoding %s", name)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "sessions: writing %s", name)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "sessions: replacing %s", name)
	}
	return nil
}

func removeIfPresent(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "sessions: removing %s", path)
	}
	return nil
}
