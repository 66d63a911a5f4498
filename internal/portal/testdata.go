package portal

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-yaml"
)

// ContentPair is a content key and its value, both 0x-prefixed hex.
type ContentPair struct {
	Name  string `yaml:"name"`
	Key   string `yaml:"content_key"`
	Value string `yaml:"content_value"`
}

// LoadTestData reads content pairs from a YAML file.
func LoadTestData(file string) ([]ContentPair, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseTestData(content)
}

// ParseTestData decodes a YAML list of content pairs.
func ParseTestData(content []byte) ([]ContentPair, error) {
	var pairs []ContentPair
	if err := yaml.Unmarshal(content, &pairs); err != nil {
		return nil, fmt.Errorf("invalid test data: %w", err)
	}
	for i, p := range pairs {
		if !isHex(p.Key) || !isHex(p.Value) {
			return nil, fmt.Errorf("test data entry %d (%s): key and value must be 0x-prefixed hex", i, p.Name)
		}
	}
	return pairs, nil
}

func isHex(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) > 0
}
