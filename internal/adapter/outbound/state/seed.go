package state

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedFromYAML initializes the state file from a YAML policy fixture.
// It is a no-op when the state file already exists: seeds bootstrap,
// they never overwrite operator state.
//
// The fixture uses the same field names as state.json. YAML is decoded
// generically and re-marshaled through JSON so both tag sets stay in
// one place.
func (s *FileStateStore) SeedFromYAML(path string) error {
	if s.Exists() {
		s.logger.Debug("state file exists, skipping seed", "path", s.path)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize seed file: %w", err)
	}

	var st PolicyState
	if err := json.Unmarshal(jsonData, &st); err != nil {
		return fmt.Errorf("decode seed file: %w", err)
	}

	if st.Version == "" {
		st.Version = "1"
	}
	st.CreatedAt = time.Now().UTC()

	if err := s.Save(&st); err != nil {
		return fmt.Errorf("save seeded state: %w", err)
	}

	s.logger.Info("state seeded from fixture",
		"seed", path,
		"path", s.path,
		"rules", len(st.Rules),
	)
	return nil
}
