package config

import (
	"gopkg.in/yaml.v3"

	"github.com/tailspring/tailspring/internal/tserr"
)

// pair is one key/value entry of an ordered mapping, preserving the
// order the entry appeared in the YAML document. Tailspring's config
// ingester must walk caps/cnodes/vspaces in file order (vspace nonces,
// in particular, are "its index in iteration order" per spec §4.2
// rule 4), and a plain Go map loses that order on decode - so mapping
// sections are walked through yaml.Node instead of unmarshaled
// straight into map[string]T.
type pair struct {
	key  string
	node *yaml.Node
}

// orderedMapping returns the key/value pairs of a YAML mapping node in
// document order. A nil node (the section is absent from the config)
// yields no pairs.
func orderedMapping(node *yaml.Node) ([]pair, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, tserr.Config("<config>", "expected a mapping, got %v", node.Kind)
	}
	pairs := make([]pair, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]
		pairs = append(pairs, pair{key: keyNode.Value, node: valNode})
	}
	return pairs, nil
}

// topLevel is the root document, decoded just enough to hand each
// section's node off to its own ordered walk.
type topLevel struct {
	Caps             *yaml.Node `yaml:"caps"`
	CapModifications *yaml.Node `yaml:"cap_modifications"`
	CNodes           *yaml.Node `yaml:"cnodes"`
	VSpaces          *yaml.Node `yaml:"vspaces"`
	Threads          *yaml.Node `yaml:"threads"`
	GPUntypedsCNode  *string    `yaml:"gp_untypeds_cnode"`
}

func parseTopLevel(data []byte) (*topLevel, error) {
	var tl topLevel
	if err := yaml.Unmarshal(data, &tl); err != nil {
		return nil, tserr.Config("<config>", "invalid YAML: %w", err)
	}
	return &tl, nil
}
