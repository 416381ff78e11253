package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, VerifyEntryExit, cfg.VerifyLevel)
	assert.True(t, cfg.UseAbstractState)
	assert.False(t, cfg.AllFunctions)
}

func TestLoadConfigOverridesOnlyGivenFields(t *testing.T) {
	doc := `
allBackedges: true
verifyLevel: 3
`
	cfg, err := LoadConfig(strings.NewReader(doc))
	require.NoError(t, err)
	assert.True(t, cfg.AllBackedges)
	assert.Equal(t, VerifyFineGrained, cfg.VerifyLevel)
	// UseAbstractState wasn't in the document, so it keeps the default.
	assert.True(t, cfg.UseAbstractState)
}

func TestLoadConfigEmptyDocumentIsDefaultConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigSafepointClassGating(t *testing.T) {
	ctx, mod := newTestModule("gating")
	defer ctx.Dispose()
	fn := declareFunction(mod, "f", ctx.VoidType(), nil)

	cfg := DefaultConfig()
	assert.False(t, cfg.entrySafepointsWanted(fn), "no attribute and AllFunctions=false means opted out")

	cfg.AllFunctions = true
	assert.True(t, cfg.entrySafepointsWanted(fn))

	cfg.NoEntry = true
	assert.False(t, cfg.entrySafepointsWanted(fn), "NoEntry always wins")
}
