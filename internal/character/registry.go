package character

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Definition is one character record as it appears on disk: a JSON file
// per character under the configured directory.
type Definition struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	Appearance string `json:"character_appearance"`
	Location   string `json:"location"`
}

func (d *Definition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("missing name")
	}
	if strings.TrimSpace(d.Appearance) == "" {
		return fmt.Errorf("character %q: missing character_appearance", d.Name)
	}
	if strings.TrimSpace(d.Location) == "" {
		return fmt.Errorf("character %q: missing location", d.Name)
	}
	return nil
}

// LoadDir reads every *.json definition under dir. Invalid files are
// logged and skipped; a missing directory yields an empty slice.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("dir", dir).Warn("character directory not found")
			return nil, nil
		}
		return nil, err
	}

	var defs []Definition
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logrus.WithError(err).WithField("file", path).Error("read character file")
			continue
		}
		var def Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			logrus.WithError(err).WithField("file", path).Error("parse character file")
			continue
		}
		if err := def.validate(); err != nil {
			logrus.WithError(err).WithField("file", path).Warn("character failed validation")
			continue
		}
		defs = append(defs, def)
	}
	logrus.WithField("count", len(defs)).Info("character definitions loaded")
	return defs, nil
}
