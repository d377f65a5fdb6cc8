// Package importer loads authored mission graphs (nodes and relationships)
// into the graph store.
package importer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Node is an authored graph node. Its type comes from the caption or from a
// reserved label; other labels name villages.
type Node struct {
	ID         string         `json:"id" yaml:"id"`
	Caption    string         `json:"caption" yaml:"caption"`
	Labels     []string       `json:"labels" yaml:"labels"`
	Properties map[string]any `json:"properties" yaml:"properties"`
}

// Relationship is a directed edge between two node ids.
type Relationship struct {
	ID     string `json:"id" yaml:"id"`
	FromID string `json:"fromId" yaml:"fromId"`
	ToID   string `json:"toId" yaml:"toId"`
	Type   string `json:"type" yaml:"type"`
}

// Document is the parsed authoring file.
type Document struct {
	Nodes         []Node         `json:"nodes" yaml:"nodes"`
	Relationships []Relationship `json:"relationships" yaml:"relationships"`
}

// normalized fills nil collections so the document encodes without nulls.
func (d Document) normalized() Document {
	out := Document{
		Nodes:         make([]Node, 0, len(d.Nodes)),
		Relationships: make([]Relationship, 0, len(d.Relationships)),
	}
	for _, n := range d.Nodes {
		if n.Labels == nil {
			n.Labels = []string{}
		}
		if n.Properties == nil {
			n.Properties = map[string]any{}
		}
		out.Nodes = append(out.Nodes, n)
	}
	out.Relationships = append(out.Relationships, d.Relationships...)
	return out
}

func (n Node) hasLabel(label string) bool {
	for _, l := range n.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

func (n Node) prop(key string) (any, bool) {
	v, ok := n.Properties[key]
	return v, ok && v != nil
}

func (n Node) propString(key string) string {
	v, ok := n.prop(key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// propInt reads an integer property; authoring tools often store numbers
// as strings.
func (n Node) propInt(key string, def int) (int, error) {
	v, ok := n.prop(key)
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("node %s: property %s must be an integer, got %v", n.ID, key, t)
		}
		return int(t), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return def, nil
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("node %s: property %s must be an integer, got %q", n.ID, key, t)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("node %s: property %s must be an integer", n.ID, key)
	}
}

// capitalize upper-cases the first letter and lower-cases the rest.
func capitalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
