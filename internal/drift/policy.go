package drift

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/grovhq/grov-proxy/internal/logging"
	"github.com/grovhq/grov-proxy/internal/types"
)

// Policy overrides the correction message prefixes formatCorrection uses,
// keyed by correction level. A level absent from Prefixes keeps its
// built-in wording.
type Policy struct {
	Prefixes map[types.CorrectionLevel]string `yaml:"prefixes"`
}

// LoadPolicy reads a YAML correction-wording override file from path. A
// missing file is not an error — it just means no overrides apply, which is
// the common case for an operator who never created one.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{}, nil
		}
		return nil, err
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	logging.Info().Str("path", path).Int("overrides", len(p.Prefixes)).Msg("drift: loaded correction policy")
	return &p, nil
}
