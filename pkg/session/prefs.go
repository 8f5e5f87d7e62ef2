package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const prefsFilename = "retry.json"

// abandonRecord marks that startup recovery (or a terminal failure) gave up
// on re-running a turn, so the next startup does not try again.
type abandonRecord struct {
	Reason        string `json:"reason"`
	UserMessageID string `json:"user_message_id"`
}

type prefsFile struct {
	Enabled *bool          `json:"enabled,omitempty"`
	Abandon *abandonRecord `json:"startup_auto_retry_abandon,omitempty"`
}

// prefsStore persists per-session retry preferences. The file exists only
// while state deviates from the defaults (auto-retry enabled, no abandon
// record); restoring the defaults removes it.
type prefsStore struct {
	mu   sync.Mutex
	path string
	cur  prefsFile
}

func newPrefsStore(sessionDir string) *prefsStore {
	return &prefsStore{path: filepath.Join(sessionDir, prefsFilename)}
}

// load reads the preference file. A missing file means defaults. Returns the
// effective enabled flag and any abandon record.
func (p *prefsStore) load() (bool, *abandonRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		p.cur = prefsFile{}
		return true, nil
	}
	if err != nil {
		p.cur = prefsFile{}
		return true, nil
	}
	var f prefsFile
	if err := json.Unmarshal(data, &f); err != nil {
		p.cur = prefsFile{}
		return true, nil
	}
	p.cur = f

	enabled := true
	if f.Enabled != nil {
		enabled = *f.Enabled
	}
	return enabled, f.Abandon
}

// setEnabled persists the auto-retry toggle.
func (p *prefsStore) setEnabled(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if enabled {
		p.cur.Enabled = nil
	} else {
		v := false
		p.cur.Enabled = &v
	}
	return p.writeLocked()
}

// writeAbandon records why a turn was given up on.
func (p *prefsStore) writeAbandon(reason, userMessageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cur.Abandon = &abandonRecord{Reason: reason, UserMessageID: userMessageID}
	return p.writeLocked()
}

// clearAbandon removes the abandon record; a new user action supersedes it.
func (p *prefsStore) clearAbandon() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur.Abandon == nil {
		return nil
	}
	p.cur.Abandon = nil
	return p.writeLocked()
}

// writeLocked rewrites the file, or removes it when everything is back at the
// defaults. Callers must hold p.mu.
func (p *prefsStore) writeLocked() error {
	if p.cur.Enabled == nil && p.cur.Abandon == nil {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove retry prefs: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	data, err := json.MarshalIndent(p.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal retry prefs: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write retry prefs: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("failed to replace retry prefs: %w", err)
	}
	return nil
}
