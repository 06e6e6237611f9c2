package model

import (
	"fmt"
	"os"
	"sort"

	yamlv3 "gopkg.in/yaml.v3"
)

// FileDescription marks a YAML file as a full configuration document.
const FileDescription = "mosaic configuration"

// SceneDecl declares a single rendering scene in a configuration document.
type SceneDecl struct {
	Name    string
	Address string
	Display string
	Spawn   int
	// Extra holds the remaining scene parameters, forwarded verbatim to the
	// scene once it is up.
	Extra map[string]Values
}

// ObjectDecl declares an object inside a scene graph.
type ObjectDecl struct {
	Type       string
	Attributes map[string]Values
}

// SceneGraph is the set of objects and links declared for one scene.
type SceneGraph struct {
	Objects map[string]ObjectDecl
	Links   [][2]string
}

// Document is a fully parsed configuration. It is read-only during an apply
// pass and replaced wholesale on reload.
type Document struct {
	Description string
	Scenes      []SceneDecl
	Graphs      map[string]SceneGraph
	World       map[string]Values

	path string
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	doc.path = path
	return doc, nil
}

// Parse decodes a configuration document from YAML bytes.
func Parse(data []byte) (*Document, error) {
	var raw map[string]any
	if err := yamlv3.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	doc := &Document{
		Graphs: make(map[string]SceneGraph),
		World:  make(map[string]Values),
	}

	desc, _ := raw["description"].(string)
	if desc != FileDescription {
		return nil, fmt.Errorf("not a configuration file (description %q)", desc)
	}
	doc.Description = desc

	scenes, ok := raw["scenes"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing scenes list")
	}
	for _, entry := range scenes {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		decl := SceneDecl{Spawn: 1, Extra: make(map[string]Values)}
		for k, v := range m {
			switch k {
			case "name":
				decl.Name, _ = v.(string)
			case "address":
				decl.Address, _ = v.(string)
			case "display":
				decl.Display = fmt.Sprintf("%v", v)
			case "spawn":
				decl.Spawn = AsValues(v).Int(0)
			default:
				decl.Extra[k] = AsValues(v)
			}
		}
		doc.Scenes = append(doc.Scenes, decl)
	}

	if world, ok := raw["world"].(map[string]any); ok {
		for k, v := range world {
			doc.World[k] = AsValues(v)
		}
	}

	// Every remaining top-level key matching a declared scene name is that
	// scene's graph.
	for _, decl := range doc.Scenes {
		body, ok := raw[decl.Name].(map[string]any)
		if !ok {
			continue
		}
		graph := SceneGraph{Objects: make(map[string]ObjectDecl)}
		for name, v := range body {
			if name == "links" {
				links, _ := v.([]any)
				for _, l := range links {
					pair := AsValues(l)
					if len(pair) < 2 {
						continue
					}
					graph.Links = append(graph.Links, [2]string{pair.String(0), pair.String(1)})
				}
				continue
			}
			obj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			decl := ObjectDecl{Attributes: make(map[string]Values)}
			for attr, av := range obj {
				if attr == "type" {
					decl.Type, _ = av.(string)
					continue
				}
				decl.Attributes[attr] = AsValues(av)
			}
			graph.Objects[name] = decl
		}
		doc.Graphs[decl.Name] = graph
	}

	return doc, nil
}

// Path returns the file the document was loaded from, if any.
func (d *Document) Path() string {
	return d.path
}

// SetWorldAttribute records a world-level attribute so it survives a save.
func (d *Document) SetWorldAttribute(name string, args Values) {
	if d.World == nil {
		d.World = make(map[string]Values)
	}
	d.World[name] = args
}

// Marshal renders the document back into its YAML representation. Map keys
// are emitted in sorted order so repeated saves are diffable.
func (d *Document) Marshal() ([]byte, error) {
	root := yamlNode(yamlv3.MappingNode)
	appendKV(root, "description", scalarNode(d.Description))

	scenes := yamlNode(yamlv3.SequenceNode)
	for _, s := range d.Scenes {
		m := yamlNode(yamlv3.MappingNode)
		appendKV(m, "name", scalarNode(s.Name))
		if s.Address != "" {
			appendKV(m, "address", scalarNode(s.Address))
		}
		if s.Display != "" {
			appendKV(m, "display", scalarNode(s.Display))
		}
		appendKV(m, "spawn", scalarNode(s.Spawn))
		for _, k := range sortedKeys(s.Extra) {
			appendKV(m, k, valuesNode(s.Extra[k]))
		}
		scenes.Content = append(scenes.Content, m)
	}
	appendKV(root, "scenes", scenes)

	if len(d.World) > 0 {
		world := yamlNode(yamlv3.MappingNode)
		for _, k := range sortedKeys(d.World) {
			appendKV(world, k, valuesNode(d.World[k]))
		}
		appendKV(root, "world", world)
	}

	for _, s := range d.Scenes {
		graph, ok := d.Graphs[s.Name]
		if !ok {
			continue
		}
		body := yamlNode(yamlv3.MappingNode)
		for _, name := range sortedKeys(graph.Objects) {
			obj := graph.Objects[name]
			objNode := yamlNode(yamlv3.MappingNode)
			appendKV(objNode, "type", scalarNode(obj.Type))
			for _, attr := range sortedKeys(obj.Attributes) {
				appendKV(objNode, attr, valuesNode(obj.Attributes[attr]))
			}
			appendKV(body, name, objNode)
		}
		if len(graph.Links) > 0 {
			links := yamlNode(yamlv3.SequenceNode)
			for _, l := range graph.Links {
				pair := yamlNode(yamlv3.SequenceNode)
				pair.Content = append(pair.Content, scalarNode(l[0]), scalarNode(l[1]))
				links.Content = append(links.Content, pair)
			}
			appendKV(body, "links", links)
		}
		appendKV(root, s.Name, body)
	}

	return yamlv3.Marshal(root)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func yamlNode(kind yamlv3.Kind) *yamlv3.Node {
	return &yamlv3.Node{Kind: kind}
}

func scalarNode(v any) *yamlv3.Node {
	n := &yamlv3.Node{}
	_ = n.Encode(v)
	return n
}

func valuesNode(v Values) *yamlv3.Node {
	// Single-element attribute lists are written back as plain scalars.
	if len(v) == 1 {
		return scalarNode(v[0])
	}
	return scalarNode([]any(v))
}

func appendKV(m *yamlv3.Node, key string, value *yamlv3.Node) {
	m.Content = append(m.Content, scalarNode(key), value)
}
