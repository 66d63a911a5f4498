package portal

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
)

// clientTagKey is the ENR key portal clients use to identify their implementation.
const clientTagKey = "c"

// clientTags maps client types to the first letter of their ENR client tag.
var clientTags = map[string]string{
	"trin":       "t",
	"fluffy":     "f",
	"ultralight": "u",
	"shisui":     "s",
}

// ParseENR decodes a textual ENR ("enr:...").
func ParseENR(s string) (*enode.Node, error) {
	n, err := enode.Parse(enode.ValidSchemes, s)
	if err != nil {
		return nil, fmt.Errorf("invalid ENR: %w", err)
	}
	return n, nil
}

// ClientTag returns the client tag of the node record.
func ClientTag(n *enode.Node) (string, error) {
	var tag string
	if err := n.Load(enr.WithEntry(clientTagKey, &tag)); err != nil {
		return "", err
	}
	return tag, nil
}

// CheckClientTag verifies that the record's client tag identifies the given client type.
// The tag is the client letter, optionally followed by a space and a version.
// Unknown client types are accepted as long as the record has a tag.
func CheckClientTag(n *enode.Node, clientType string) error {
	tag, err := ClientTag(n)
	if err != nil {
		return fmt.Errorf("missing client tag: %w", err)
	}
	want, ok := clientTags[clientType]
	if !ok {
		return nil
	}
	if tag != want && !strings.HasPrefix(tag, want+" ") {
		return fmt.Errorf("client tag %q does not identify %s (want prefix %q)", tag, clientType, want)
	}
	return nil
}
