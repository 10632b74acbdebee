package plugin

import "fyne.io/fyne/v2"

// LastDeviceKey is the preference holding the last connected printer.
const LastDeviceKey = "printer.last_device"

// PreferenceStore persists the last connected printer in the application's
// preferences, so it survives restarts.
type PreferenceStore struct {
	prefs fyne.Preferences
}

func NewPreferenceStore(prefs fyne.Preferences) *PreferenceStore {
	return &PreferenceStore{prefs: prefs}
}

func (s *PreferenceStore) Load() (string, error) {
	return s.prefs.String(LastDeviceKey), nil
}

func (s *PreferenceStore) Save(address string) error {
	s.prefs.SetString(LastDeviceKey, address)
	return nil
}

func (s *PreferenceStore) Clear() error {
	s.prefs.RemoveValue(LastDeviceKey)
	return nil
}
