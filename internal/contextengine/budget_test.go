package contextengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

func TestAllocateDefaultRatios(t *testing.T) {
	p := Allocate(200_000, DefaultRatios, 0)
	assert.Equal(t, 30_000, p.SystemPrompt)
	assert.Equal(t, 20_000, p.Bootstrap)
	assert.Equal(t, 90_000, p.History)
	assert.Equal(t, 40_000, p.Response)
	assert.Equal(t, 20_000, p.Reserve)
	assert.Equal(t, 200_000, p.Total())
}

func TestReclaimFoldsUnusedIntoHistory(t *testing.T) {
	p := Allocate(200_000, DefaultRatios, 0)

	// System prompt renders at 20k (10k under), bootstrap at 5k (15k
	// under); together with the 20k reserve history grows to 135k.
	out, warnings := p.Reclaim(20_000, 5_000)
	require.Empty(t, warnings)
	assert.Equal(t, 135_000, out.History)
	assert.Equal(t, 20_000, out.SystemPrompt)
	assert.Equal(t, 5_000, out.Bootstrap)
	assert.Equal(t, 0, out.Reserve)
	assert.Equal(t, 200_000, out.Window)
}

func TestReclaimOverBudgetWarnsWithoutStealing(t *testing.T) {
	p := Allocate(200_000, DefaultRatios, 0)

	out, warnings := p.Reclaim(35_000, 20_000)
	require.Len(t, warnings, 1)
	assert.Equal(t, protocol.ErrOverBudget, warnings[0].Kind)
	// History gains only the reserve; the overrun is not taken from it.
	assert.Equal(t, 110_000, out.History)
}

func TestAllocateResponseFloorTakesFromHistory(t *testing.T) {
	// 4k window: ratio response = 800, below the 1024 floor. The 224-token
	// deficit comes out of history, never system prompt or bootstrap.
	p := Allocate(4_000, DefaultRatios, 0)
	assert.Equal(t, 1024, p.Response)
	assert.Equal(t, 600, p.SystemPrompt)
	assert.Equal(t, 400, p.Bootstrap)
	assert.Equal(t, 1800-224, p.History)
}

func TestAllocateTinyWindowClampsHistoryAtZero(t *testing.T) {
	// 1.2k window: even emptying history cannot cover the response floor;
	// history bottoms out at zero rather than going negative.
	p := Allocate(1_200, DefaultRatios, 1024)
	assert.Equal(t, 1024, p.Response)
	assert.Equal(t, 0, p.History)
	assert.Equal(t, 0, p.Reserve)
}

func TestAllocateZeroWindow(t *testing.T) {
	p := Allocate(0, DefaultRatios, 0)
	assert.Equal(t, 1, p.Response)
	assert.Equal(t, 0, p.History)
}
