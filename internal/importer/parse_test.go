package importer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annexe/internal/apperrors"
)

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("a/b/mission.YML"))
	assert.Equal(t, FormatHCL, FormatFromPath("mission.hcl"))
	assert.Equal(t, FormatJSON, FormatFromPath("mission.arrows"))

	f, err := ParseFormat("Yaml")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	_, err = ParseFormat("toml")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalid))
}

func TestParsedFormatsAgree(t *testing.T) {
	shape := func(doc Document) []string {
		var out []string
		for _, n := range doc.Nodes {
			out = append(out, n.ID+":"+n.Caption+":"+n.propString("description")+":"+n.propString("value"))
		}
		for _, r := range doc.Relationships {
			out = append(out, r.FromID+"->"+r.ToID)
		}
		return out
	}
	want := shape(loadFixture(t, "mission.json"))
	for _, name := range []string{"mission.yaml", "mission.hcl"} {
		got := shape(loadFixture(t, name))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s differs from json (-want +got):\n%s", name, diff)
		}
	}
}

func TestParseHCLProperties(t *testing.T) {
	src := []byte(`
node "m" {
  labels     = ["Mission", "Konoha"]
  properties = { rank = "S", cash = 3, ratio = 1.5, secret = true }
}
`)
	doc, err := Parse(src, FormatHCL, "inline.hcl")
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 1)
	want := map[string]any{"rank": "S", "cash": int64(3), "ratio": 1.5, "secret": true}
	if diff := cmp.Diff(want, doc.Nodes[0].Properties); diff != "" {
		t.Fatalf("properties (-want +got):\n%s", diff)
	}
	k, err := kindOf(doc.Nodes[0])
	require.NoError(t, err)
	assert.Equal(t, kindMission, k)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"nodes": [`), FormatJSON, "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalid))

	_, err = Parse([]byte(`node {`), FormatHCL, "bad.hcl")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalid))
}

func TestValidateSchema(t *testing.T) {
	require.NoError(t, ValidateSchema(loadFixture(t, "mission.json")))

	err := ValidateSchema(Document{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalid), "empty document: %v", err)

	doc := loadFixture(t, "mission.json")
	doc.Relationships[0].ToID = ""
	err = ValidateSchema(doc)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalid), "empty toId: %v", err)
}
