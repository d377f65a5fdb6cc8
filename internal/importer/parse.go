package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"annexe/internal/apperrors"
)

// Format is an authoring file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "hcl":
		return FormatHCL, nil
	}
	return "", apperrors.Newf(apperrors.CodeInvalid, "unsupported format %q (expected json, yaml or hcl)", s)
}

// FormatFromPath guesses the format from a file extension, defaulting to
// JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".hcl":
		return FormatHCL
	}
	return FormatJSON
}

func ParseFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	return Parse(data, FormatFromPath(path), filepath.Base(path))
}

// Parse decodes an authoring document. filename is only used in
// diagnostics.
func Parse(data []byte, format Format, filename string) (Document, error) {
	var (
		doc Document
		err error
	)
	switch format {
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&doc)
		if err == nil {
			normalizeNumbers(doc)
		}
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatHCL:
		doc, err = parseHCL(data, filename)
	default:
		return Document{}, apperrors.Newf(apperrors.CodeInvalid, "unsupported format %q", format)
	}
	if err != nil {
		return Document{}, apperrors.Wrap(apperrors.CodeInvalid, fmt.Sprintf("parse %s document: %v", format, err), err)
	}
	return doc, nil
}

// normalizeNumbers turns json.Number properties into int64 or float64.
func normalizeNumbers(doc Document) {
	for _, n := range doc.Nodes {
		for k, v := range n.Properties {
			num, ok := v.(json.Number)
			if !ok {
				continue
			}
			if i, err := num.Int64(); err == nil {
				n.Properties[k] = i
			} else if f, err := num.Float64(); err == nil {
				n.Properties[k] = f
			}
		}
	}
}

type hclDocument struct {
	Nodes         []hclNode         `hcl:"node,block"`
	Relationships []hclRelationship `hcl:"relationship,block"`
}

type hclNode struct {
	ID         string    `hcl:"id,label"`
	Caption    string    `hcl:"caption,optional"`
	Labels     []string  `hcl:"labels,optional"`
	Properties cty.Value `hcl:"properties,optional"`
}

type hclRelationship struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
	Type string `hcl:"type,optional"`
}

func parseHCL(data []byte, filename string) (Document, error) {
	if filename == "" {
		filename = "mission.hcl"
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return Document{}, diags
	}
	var raw hclDocument
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return Document{}, diags
	}
	doc := Document{}
	for _, n := range raw.Nodes {
		props, err := ctyObject(n.Properties)
		if err != nil {
			return Document{}, fmt.Errorf("node %s: %w", n.ID, err)
		}
		doc.Nodes = append(doc.Nodes, Node{ID: n.ID, Caption: n.Caption, Labels: n.Labels, Properties: props})
	}
	for i, r := range raw.Relationships {
		doc.Relationships = append(doc.Relationships, Relationship{ID: fmt.Sprintf("r%d", i), FromID: r.From, ToID: r.To, Type: r.Type})
	}
	return doc, nil
}

func ctyObject(v cty.Value) (map[string]any, error) {
	out := map[string]any{}
	if v.Type() == cty.NilType || v.IsNull() {
		return out, nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("properties must be an object")
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("properties must be known values")
	}
	for it := v.ElementIterator(); it.Next(); {
		k, ev := it.Element()
		val, err := ctyScalar(ev)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k.AsString(), err)
		}
		out[k.AsString()] = val
	}
	return out, nil
}

func ctyScalar(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch {
	case v.Type().Equals(cty.String):
		return v.AsString(), nil
	case v.Type().Equals(cty.Bool):
		return v.True(), nil
	case v.Type().Equals(cty.Number):
		bf := v.AsBigFloat()
		if bf.IsInt() {
			i, _ := bf.Int64()
			return i, nil
		}
		f, _ := bf.Float64()
		return f, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", v.Type().FriendlyName())
}
