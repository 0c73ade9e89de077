package session

// PreferenceStore holds each session's last-declared preferences. Set
// replaces wholesale; no history is kept.
type PreferenceStore struct {
	prefs map[string]Preferences
}

// NewPreferenceStore creates an empty store.
func NewPreferenceStore() *PreferenceStore {
	return &PreferenceStore{prefs: make(map[string]Preferences)}
}

// Set overwrites any prior value for sessionID.
func (s *PreferenceStore) Set(sessionID string, prefs Preferences) {
	s.prefs[sessionID] = prefs.Clone()
}

// Get returns the stored preferences and whether any were declared.
func (s *PreferenceStore) Get(sessionID string) (Preferences, bool) {
	p, ok := s.prefs[sessionID]
	return p, ok
}

// Delete forgets sessionID. Deleting an unknown id is a no-op.
func (s *PreferenceStore) Delete(sessionID string) {
	delete(s.prefs, sessionID)
}

// Len returns the number of sessions with declared preferences.
func (s *PreferenceStore) Len() int {
	return len(s.prefs)
}
