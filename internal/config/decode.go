package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decode fills cfg from a YAML (.yaml/.yml) or JSON document. Unknown keys
// and anything after the first document are rejected in both formats.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil // empty file
			}
			return err
		}
		var extra yaml.Node
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return errTrailing(err)
		}
		return nil
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return errTrailing(err)
		}
		return nil
	}
}

func errTrailing(err error) error {
	if err != nil {
		return err
	}
	return errors.New("trailing data after config document")
}
