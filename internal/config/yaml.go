package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Marshal renders s as YAML.
func Marshal(s Settings) ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// WriteDefaultConfig writes the default configuration to a YAML file. It
// refuses to overwrite an existing file unless force is set.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := Marshal(Defaults())
	if err != nil {
		return err
	}
	header := []byte("# ezkeys configuration. Secrets are better supplied as EZKEYS_* environment\n# variables, e.g. EZKEYS_APIKEY_PEPPER and EZKEYS_IDENTITY_HMAC_SECRET.\n")
	return os.WriteFile(path, append(header, data...), 0600)
}
