package contextengine

import (
	"fmt"

	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// Ratios are the configured budget shares. They need not sum to 1; the
// remainder becomes reserve.
type Ratios struct {
	SystemPrompt float64
	Bootstrap    float64
	History      float64
	Response     float64
}

// DefaultRatios mirror the config defaults.
var DefaultRatios = Ratios{SystemPrompt: 0.15, Bootstrap: 0.10, History: 0.45, Response: 0.20}

// DefaultMinResponseTokens is the hard floor on the response slice.
const DefaultMinResponseTokens = 1024

// Plan is a per-call token allocation. All fields are token counts. The
// total stays within the window except for degenerate windows where the
// response floor alone exceeds it.
type Plan struct {
	Window       int
	SystemPrompt int
	Bootstrap    int
	History      int
	Response     int
	Reserve      int
}

// Total sums all slices.
func (p Plan) Total() int {
	return p.SystemPrompt + p.Bootstrap + p.History + p.Response + p.Reserve
}

// Warning is a non-fatal budget signal surfaced on the ops topic.
type Warning struct {
	Kind    string
	Message string
}

// Allocate derives the base plan from the window and ratios. When the
// response floor exceeds its ratio share, the deficit is taken from the
// history slice — never from system prompt or bootstrap.
func Allocate(window int, r Ratios, minResponse int) Plan {
	if window <= 0 {
		// Degenerate window: a one-token response, nothing else.
		return Plan{Window: window, Response: 1}
	}
	if minResponse <= 0 {
		minResponse = DefaultMinResponseTokens
	}

	p := Plan{
		Window:       window,
		SystemPrompt: int(float64(window) * r.SystemPrompt),
		Bootstrap:    int(float64(window) * r.Bootstrap),
		History:      int(float64(window) * r.History),
		Response:     int(float64(window) * r.Response),
	}
	if p.Response < minResponse {
		deficit := minResponse - p.Response
		p.Response = minResponse
		p.History -= deficit
		if p.History < 0 {
			p.History = 0
		}
	}
	p.Reserve = window - (p.SystemPrompt + p.Bootstrap + p.History + p.Response)
	if p.Reserve < 0 {
		p.Reserve = 0
	}
	return p
}

// Reclaim folds the unused portions of the rendered system prompt and
// bootstrap, plus the reserve, into the history slice. Over-budget renders
// never silently steal from history: the plan keeps the honest H and an
// OverBudget warning is returned instead.
func (p Plan) Reclaim(actualSystem, actualBootstrap int) (Plan, []Warning) {
	var warnings []Warning
	out := p

	if actualSystem <= p.SystemPrompt {
		out.History += p.SystemPrompt - actualSystem
		out.SystemPrompt = actualSystem
	} else {
		warnings = append(warnings, Warning{
			Kind:    protocol.ErrOverBudget,
			Message: fmt.Sprintf("system prompt %d tokens exceeds budget %d", actualSystem, p.SystemPrompt),
		})
	}
	if actualBootstrap <= p.Bootstrap {
		out.History += p.Bootstrap - actualBootstrap
		out.Bootstrap = actualBootstrap
	} else {
		warnings = append(warnings, Warning{
			Kind:    protocol.ErrOverBudget,
			Message: fmt.Sprintf("bootstrap %d tokens exceeds budget %d", actualBootstrap, p.Bootstrap),
		})
	}
	out.History += p.Reserve
	out.Reserve = 0
	return out, warnings
}
