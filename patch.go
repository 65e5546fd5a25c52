package synclan

import "fmt"

// needsRestart reports whether patch touches a field the listener is bound
// by. Those changes only take effect through a rebind.
func needsRestart(patch Settings) bool {
	return patch.Port != nil || patch.EnableEncryption != nil
}

// ApplyPatch merges patch into a staged draft of the settings document and
// runs its side effects before anything becomes visible to readers: a
// listener rebind when the patch touches port or encryption, then the save
// to disk. Any failure discards the draft, leaving the committed document
// exactly as it was; success promotes the draft and returns the new
// committed settings.
func (s *Server) ApplyPatch(patch Settings) (Settings, error) {
	s.settings.Mutate(func(st *Settings) {
		st.Merge(patch)
	})
	rebind := needsRestart(patch) && s.Running()
	if rebind {
		if err := s.Start(); err != nil {
			s.settings.Discard()
			// Best-effort rebind on the unchanged settings; the failed
			// attempt already tore the old listener down.
			if rerr := s.Start(); rerr != nil {
				s.logger.Error("listener rollback failed", "error", rerr)
			}
			return Settings{}, fmt.Errorf("apply settings: %w", err)
		}
	}
	if err := SaveSettings(s.cfg.SettingsPath(), s.settings.Latest(), s.codec); err != nil {
		s.settings.Discard()
		if rebind {
			if rerr := s.Start(); rerr != nil {
				s.logger.Error("listener rollback failed", "error", rerr)
			}
		}
		return Settings{}, err
	}
	s.settings.Apply()
	applied := s.settings.Committed()
	s.logger.Info("settings applied", "restarted", rebind)
	return applied, nil
}
