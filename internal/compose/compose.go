// Package compose parses and rewrites a single docker-compose.yml as a
// loosely-typed document (§9 "Dynamic field presence"): only the fields the
// driver needs (service image, environment, labels) are given explicit
// shape; everything else round-trips untouched via yaml.Node. This mirrors
// the docker-compose toolchain's own use of gopkg.in/yaml.v3 for document
// structure (see the retrieval pack's docker-compose and helixml-helix
// manifests) rather than a fully validating/interpolating compose-spec
// loader, which would reject or rewrite fields this driver must preserve.
// Values round-trip; layout, indentation and quoting are re-emitted by
// yaml.v3 and are not kept byte-for-byte.
package compose

import (
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Document is a parsed docker-compose.yml, editable in place and re-emitted
// with SetServiceEnvironment/EnsureVirtualHost preserving every other field.
type Document struct {
	root     yaml.Node
	services *yaml.Node
}

// ErrMalformed classifies a compose document that doesn't have a services
// mapping, a per-instance hard error per §7.
var ErrMalformed = errors.New("malformed compose document: no services map")

// Parse parses raw compose YAML into a Document.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, "failed parsing compose document")
	}
	if len(root.Content) == 0 {
		return nil, ErrMalformed
	}
	doc := &Document{root: root}
	services, err := mappingValue(root.Content[0], "services")
	if err != nil || services == nil || services.Kind != yaml.MappingNode {
		return nil, ErrMalformed
	}
	doc.services = services
	return doc, nil
}

// Marshal re-emits the document.
func (d *Document) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(&d.root)
	if err != nil {
		return nil, errors.Wrap(err, "failed marshalling compose document")
	}
	return out, nil
}

// ServiceNames returns service names in declaration order.
func (d *Document) ServiceNames() []string {
	names := make([]string, 0, len(d.services.Content)/2)
	for i := 0; i < len(d.services.Content); i += 2 {
		names = append(names, d.services.Content[i].Value)
	}
	return names
}

// FirstServiceName returns the first declared service, if any.
func (d *Document) FirstServiceName() (string, bool) {
	names := d.ServiceNames()
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}

func (d *Document) serviceNode(name string) *yaml.Node {
	for i := 0; i < len(d.services.Content); i += 2 {
		if d.services.Content[i].Value == name {
			return d.services.Content[i+1]
		}
	}
	return nil
}

// ServiceImage returns the service's "image" field.
func (d *Document) ServiceImage(name string) (string, bool) {
	node := d.serviceNode(name)
	if node == nil {
		return "", false
	}
	v, _ := mappingValue(node, "image")
	if v == nil {
		return "", false
	}
	return v.Value, true
}

// ServiceLabel returns a single label value for the service, checking both
// the preferred and fallback keys in order, per §4.2's PWR_LEVEL_TYPE /
// PATHWAR_LEVEL_TYPE fallback.
func (d *Document) ServiceLabel(name string, keys ...string) (string, bool) {
	node := d.serviceNode(name)
	if node == nil {
		return "", false
	}
	labels, _ := mappingValue(node, "labels")
	if labels == nil {
		return "", false
	}
	env, err := normalizeKVNode(labels)
	if err != nil {
		return "", false
	}
	for _, k := range keys {
		if v, ok := env[k]; ok {
			return v, true
		}
	}
	return "", false
}

// ServiceEnvironment returns the service's environment, normalized to map
// form regardless of whether it was declared as a list of KEY=VALUE or a
// map, per §9 "Loose environment-list shape".
func (d *Document) ServiceEnvironment(name string) (map[string]string, error) {
	node := d.serviceNode(name)
	if node == nil {
		return nil, errors.Errorf("no such service: %s", name)
	}
	envNode, _ := mappingValue(node, "environment")
	if envNode == nil {
		return map[string]string{}, nil
	}
	return normalizeKVNode(envNode)
}

// SetServiceEnvironment rewrites the service's environment as a canonical
// YAML map, replacing whatever shape it had before.
func (d *Document) SetServiceEnvironment(name string, env map[string]string) error {
	node := d.serviceNode(name)
	if node == nil {
		return errors.Errorf("no such service: %s", name)
	}
	mapNode := buildMappingNode(env)
	return setMappingValue(node, "environment", mapNode)
}

// EnsureVirtualHost sets VIRTUAL_HOST on the service's environment to
// defaultValue unless the service already declares one, per §4.2 step 3 and
// the invariant in §8 ("no duplicate VIRTUAL_HOST entries exist").
func (d *Document) EnsureVirtualHost(name, defaultValue string) error {
	env, err := d.ServiceEnvironment(name)
	if err != nil {
		return err
	}
	if _, exists := env["VIRTUAL_HOST"]; !exists {
		env["VIRTUAL_HOST"] = defaultValue
	}
	return d.SetServiceEnvironment(name, env)
}

// -- yaml.Node helpers --

func mappingValue(node *yaml.Node, key string) (*yaml.Node, error) {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1], nil
		}
	}
	return nil, nil
}

func setMappingValue(node *yaml.Node, key string, value *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.Errorf("cannot set %q on non-mapping node", key)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			node.Content[i+1] = value
			return nil
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	node.Content = append(node.Content, keyNode, value)
	return nil
}

// normalizeKVNode accepts either a sequence of "KEY=VALUE" scalars or a
// mapping of KEY -> VALUE and returns a plain map.
func normalizeKVNode(node *yaml.Node) (map[string]string, error) {
	result := map[string]string{}
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			result[node.Content[i].Value] = node.Content[i+1].Value
		}
	case yaml.SequenceNode:
		for _, entry := range node.Content {
			key, value := splitKV(entry.Value)
			result[key] = value
		}
	default:
		return nil, errors.Errorf("unsupported environment/labels shape: %v", node.Kind)
	}
	return result, nil
}

func splitKV(entry string) (string, string) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			return entry[:i], entry[i+1:]
		}
	}
	return entry, ""
}

func buildMappingNode(values map[string]string) *yaml.Node {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range keys {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: values[k]},
		)
	}
	return node
}
