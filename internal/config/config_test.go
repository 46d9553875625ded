package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
main_targets: ["#content", ":layer"]
validate_delay: 300ms
batch: false
cache:
  ttl: 1m
layers:
  modal:
    size: large
    class: wide
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"#content", ":layer"}, cfg.MainTargets)
	assert.Equal(t, 300*time.Millisecond, cfg.ValidateDelay)
	assert.False(t, cfg.Batch)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.True(t, cfg.Cache.Enabled, "unset fields keep their defaults")
	assert.Equal(t, ":main", cfg.FailTarget)
	assert.Equal(t, "large", cfg.Layers["modal"].Size)
	assert.Contains(t, cfg.Layers, "drawer")
}

func TestParseRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"empty main targets", "main_targets: []", "main_targets"},
		{"unknown focus", "focus: sideways", "focus"},
		{"unknown layer mode", "layers: {sheet: {size: small}}", "layers"},
		{"bad dismissable", "layers: {modal: {dismissable: [shake]}}", "dismissable"},
		{"negative cache size", "cache: {size: -1}", "cache.size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			var fields Errors
			require.True(t, errors.As(err, &fields), "got %T: %v", err, err)
			assert.Contains(t, fields[0].Field, tt.field)
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("main_targets: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(dir, "livelayer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fail_target: '#errors'\n"), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "#errors", cfg.FailTarget)
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)
	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLayerDefaultsInheritance(t *testing.T) {
	cfg := Default()
	yes := true
	cfg.Layers["any"] = LayerDefaults{Class: "layer", History: &yes}
	cfg.Layers["popup"] = LayerDefaults{Size: "small"}

	popup, err := cfg.LayerDefaults("popup")
	require.NoError(t, err)
	assert.Equal(t, "small", popup.Size, "mode wins")
	assert.Equal(t, []string{"button", "key", "outside"}, popup.Dismissable, "from overlay")
	require.NotNil(t, popup.History)
	assert.False(t, *popup.History, "overlay wins over any")
	assert.Equal(t, "layer", popup.Class, "from any")

	root, err := cfg.LayerDefaults("root")
	require.NoError(t, err)
	assert.Empty(t, root.Dismissable, "root does not inherit overlay defaults")
	assert.True(t, *root.History)

	drawer, err := cfg.LayerDefaults("drawer")
	require.NoError(t, err)
	assert.Equal(t, "move-from-left", drawer.Animation)
}

func TestEmptyDismissableIsKept(t *testing.T) {
	cfg, err := Parse([]byte(`
layers:
  cover:
    dismissable: []
`))
	require.NoError(t, err)

	cover, err := cfg.LayerDefaults("cover")
	require.NoError(t, err)
	assert.NotNil(t, cover.Dismissable)
	assert.Empty(t, cover.Dismissable, "an explicit empty list does not inherit overlay defaults")

	modal, err := cfg.LayerDefaults("modal")
	require.NoError(t, err)
	assert.Equal(t, []string{"button", "key", "outside"}, modal.Dismissable)
}
