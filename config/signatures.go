package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"warden/core"
	"warden/util"
)

// SignatureDef is one extra pattern signature loaded from a signature pack
type SignatureDef struct {
	Category string `yaml:"category"`
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
}

// SignaturePack is the YAML document format of detection.signature_file
type SignaturePack struct {
	Version    int            `yaml:"version"`
	Signatures []SignatureDef `yaml:"signatures"`
}

// LoadSignaturePack reads a signature pack; compilation happens in the pattern rule set
func LoadSignaturePack(path string) (SignaturePack, error) {
	data, err := readConfigFile("signature pack", path)
	if err != nil {
		return SignaturePack{}, err
	}
	var pack SignaturePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return SignaturePack{}, fmt.Errorf("%w: parse signature pack %s: %v", core.ErrConfiguration, path, err)
	}
	for i, s := range pack.Signatures {
		if s.Category == "" || s.Name == "" || s.Pattern == "" {
			return SignaturePack{}, core.ConfigError(fmt.Sprintf("signatures[%d]", i), "category, name and pattern are required")
		}
	}
	return pack, nil
}

func readConfigFile(kind, path string) ([]byte, error) {
	clean, err := util.CleanPath(path, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s path %s: %v", core.ErrConfiguration, kind, path, err)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %v", core.ErrConfiguration, kind, path, err)
	}
	return data, nil
}
