// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/1999AZZAR/load-balancer-tool/internal/errors"
)

// Load reads and decodes an HCL configuration file, applies defaults for
// any option the file left unset, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to read config file")
	}
	return LoadBytes(data, path)
}

// LoadBytes decodes HCL source already held in memory. path is used only
// for diagnostics (HCL attributes its errors to a filename).
func LoadBytes(data []byte, path string) (*Config, error) {
	if path == "" {
		path = "egressd.hcl"
	}

	cfg := &Config{}
	if err := hclsimple.Decode(path, data, nil, cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to parse %s", path)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func fieldErr(field string, err error) error {
	return errors.Wrapf(err, errors.KindConfig, "invalid value for %s", field)
}
