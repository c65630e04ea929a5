package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
)

// Read reads a config from the given file. Environment variables referenced as ${VAR} are
// substituted before parsing. Missing fields take their defaults.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(bytes.NewReader(buf))
}

func parse(raw []byte) (*Config, error) {
	buf, err := envsubst.Bytes(raw)
	if err != nil {
		return nil, err
	}
	return FromReader(bytes.NewReader(buf))
}

// FromReader reads and validates a config from r.
func FromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}
	if err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write stores cfg at filePath. The file is replaced atomically so a reader never sees a
// partial write.
func Write(filePath string, cfg *Config) error {
	md, err := encode(cfg)
	if err != nil {
		return err
	}
	return writeFile(filePath, md)
}

func encode(cfg *Config) ([]byte, error) {
	md, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode Config as json")
	}
	return append(md, '\n'), nil
}

func writeFile(filePath string, md []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(filePath), "."+filepath.Base(filePath)+".*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary config file")
	}
	//nolint:errcheck
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(md); err != nil {
		//nolint:errcheck,gosec
		tmp.Close()
		return errors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(tmp.Name(), filePath), "failed to replace %s", filePath)
}
