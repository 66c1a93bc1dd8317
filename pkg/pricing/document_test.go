package pricing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlDoc = `
models:
  - version: 1
    component: gpt-4
    kind: tiered
    unit: token
    currency: USD
    effective_from: 2025-01-01T00:00:00Z
    tiers:
      - from: "0"
        to: "10000"
        unit_cost: "0.03"
      - from: "10000"
        unit_cost: "0.02"
  - version: 2
    component: external_api
    kind: request
    currency: USD
    unit_cost: "0"
    fixed_fee: "0.50"
    effective_from: 2025-01-01T00:00:00Z
`

const jsonDoc = `{
  "models": [
    {
      "version": 1,
      "component": "gpt-4",
      "action": "completion",
      "kind": "token",
      "unit": "token",
      "currency": "EUR",
      "unit_cost": "0.00003",
      "fixed_fee": "0",
      "precision": 6,
      "effective_from": "2025-01-01T00:00:00Z",
      "dimensions": {"completion": {"unit_cost": "0.00006"}}
    }
  ]
}`

const tomlDoc = `
[[models]]
version = 3
component = "search"
kind = "time"
currency = "JPY"
unit_cost = "2"
fixed_fee = "0"
effective_from = 2025-01-01T00:00:00Z
`

func TestParseDocument_Formats(t *testing.T) {
	doc, err := ParseDocument([]byte(yamlDoc), FormatYAML)
	require.NoError(t, err)
	require.Len(t, doc.Models, 2)
	assert.Equal(t, KindTiered, doc.Models[0].Kind)
	require.Len(t, doc.Models[0].Tiers, 2)
	assert.Nil(t, doc.Models[0].Tiers[1].To)
	assert.True(t, doc.Models[1].FixedFee.Equal(dec("0.5")))

	doc, err = ParseDocument([]byte(jsonDoc), FormatJSON)
	require.NoError(t, err)
	require.Len(t, doc.Models, 1)
	assert.Equal(t, int32(6), *doc.Models[0].Precision)
	assert.True(t, doc.Models[0].RateFor("completion").UnitCost.Equal(dec("0.00006")))
	assert.True(t, doc.Models[0].RateFor("prompt").UnitCost.Equal(dec("0.00003")))

	doc, err = ParseDocument([]byte(tomlDoc), FormatTOML)
	require.NoError(t, err)
	require.Len(t, doc.Models, 1)
	assert.Equal(t, KindTime, doc.Models[0].Kind)
	assert.True(t, doc.Models[0].UnitCost.Equal(dec("2")))
}

func TestParseDocument_RejectsUnknownFields(t *testing.T) {
	_, err := ParseDocument([]byte("models:\n  - version: 1\n    colour: red\n"), FormatYAML)
	assert.Error(t, err)

	_, err = ParseDocument([]byte(`{"models":[{"version":1,"colour":"red"}]}`), FormatJSON)
	assert.Error(t, err)
}

func TestPublishDocument_IdempotentAndStrict(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	doc, err := ParseDocument([]byte(yamlDoc), FormatYAML)
	require.NoError(t, err)

	published, err := reg.PublishDocument(ctx, doc)
	require.NoError(t, err)
	assert.Len(t, published, 2)

	published, err = reg.PublishDocument(ctx, doc)
	require.NoError(t, err)
	assert.Empty(t, published, "republishing identical versions is a no-op")

	doc.Models[1].FixedFee = dec("0.75")
	_, err = reg.PublishDocument(ctx, doc)
	var dup *DuplicateVersionError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, uint64(2), dup.Version)
}

func TestLoadDocuments_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(yamlDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.toml"), []byte(tomlDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	doc, err := LoadDocuments(dir)
	require.NoError(t, err)
	assert.Len(t, doc.Models, 3)

	_, err = NewRegistry().PublishDocument(context.Background(), doc)
	require.NoError(t, err)
}

func TestFormatForPath(t *testing.T) {
	f, err := FormatForPath("prices.YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = FormatForPath("prices.csv")
	assert.Error(t, err)
}
