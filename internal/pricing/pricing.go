// Package pricing estimates the worst-case cost of an AI call before it is
// made and computes its actual cost from the provider's usage report.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	roastguard "github.com/eugener/roastguard/internal"
)

// cacheWriteMultiplier is the Anthropic premium on prompt cache writes
// over the base input price.
var cacheWriteMultiplier = decimal.RequireFromString("1.25")

// Price is a model's list price in US dollars per million tokens.
type Price struct {
	InputPerMTok  decimal.Decimal
	OutputPerMTok decimal.Decimal
	// CacheWritePerMTok prices prompt cache writes. Zero means 1.25x the
	// input price.
	CacheWritePerMTok decimal.Decimal
}

func (p Price) cacheWrite() decimal.Decimal {
	if p.CacheWritePerMTok.IsPositive() {
		return p.CacheWritePerMTok
	}
	return p.InputPerMTok.Mul(cacheWriteMultiplier)
}

// Table prices calls and bounds their size.
//
// Estimate never undercuts Cost for a call that respects the bounds:
// byte-level BPE tokenizers cannot emit more tokens than input bytes, the
// prompt template adds at most PromptOverheadTokens, and the provider
// enforces MaxOutputTokens.
type Table struct {
	Models               map[string]Price
	PromptOverheadTokens int64
	MaxOutputTokens      int64
	MaxInputBytes        int64
	// PromptCaching prices every estimated input token at the cache-write
	// rate, for callers that mark prompts cacheable.
	PromptCaching bool
}

// Usage is the token count reported for one completed call. Cache reads
// are folded into InputTokens and billed at the full input price.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	CacheWriteTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	OutputTokens     int64 `json:"output_tokens"`
}

// Estimate returns the conservative upper bound on the cost of sending
// inputBytes of user input to model. A non-positive size is treated as the
// maximum accepted input.
func (t *Table) Estimate(model string, inputBytes int64) roastguard.Micros {
	if inputBytes <= 0 {
		inputBytes = t.MaxInputBytes
	}
	u := Usage{InputTokens: inputBytes + t.PromptOverheadTokens, OutputTokens: t.MaxOutputTokens}
	if t.PromptCaching {
		u.CacheWriteTokens, u.InputTokens = u.InputTokens, 0
	}
	return cost(t.price(model), u)
}

// Cost returns the actual cost of a completed call.
func (t *Table) Cost(model string, u Usage) roastguard.Micros {
	return cost(t.price(model), u)
}

// CostFromUsage parses a provider response (or just its usage object) and
// returns the call's cost. Both Anthropic (input_tokens/output_tokens plus
// cache token fields) and OpenAI (prompt_tokens/completion_tokens) shapes
// are understood. The response model, when present, wins over model.
func (t *Table) CostFromUsage(model string, raw []byte) (roastguard.Micros, Usage, error) {
	if !gjson.ValidBytes(raw) {
		return 0, Usage{}, fmt.Errorf("%w: usage is not valid JSON", roastguard.ErrBadRequest)
	}
	root := gjson.ParseBytes(raw)
	if m := root.Get("model"); m.Exists() && m.String() != "" {
		model = m.String()
	}
	u := root
	if v := root.Get("usage"); v.Exists() && v.Type == gjson.JSON {
		u = v
	}

	var usage Usage
	switch {
	case u.Get("input_tokens").Exists() || u.Get("output_tokens").Exists():
		usage.InputTokens = u.Get("input_tokens").Int() + u.Get("cache_read_input_tokens").Int()
		usage.CacheWriteTokens = u.Get("cache_creation_input_tokens").Int()
		usage.OutputTokens = u.Get("output_tokens").Int()
	case u.Get("prompt_tokens").Exists() || u.Get("completion_tokens").Exists():
		usage.InputTokens = u.Get("prompt_tokens").Int()
		usage.OutputTokens = u.Get("completion_tokens").Int()
	default:
		return 0, Usage{}, fmt.Errorf("%w: no token counts in usage", roastguard.ErrBadRequest)
	}
	if usage.InputTokens < 0 || usage.CacheWriteTokens < 0 || usage.OutputTokens < 0 {
		return 0, Usage{}, fmt.Errorf("%w: negative token counts", roastguard.ErrBadRequest)
	}
	return t.Cost(model, usage), usage, nil
}

// price returns model's price, or the most expensive known price for an
// unknown model so estimates stay conservative.
func (t *Table) price(model string) Price {
	if p, ok := t.Models[model]; ok {
		return p
	}
	var worst Price
	for _, p := range t.Models {
		if p.InputPerMTok.GreaterThan(worst.InputPerMTok) {
			worst.InputPerMTok = p.InputPerMTok
		}
		if p.OutputPerMTok.GreaterThan(worst.OutputPerMTok) {
			worst.OutputPerMTok = p.OutputPerMTok
		}
		if w := p.cacheWrite(); w.GreaterThan(worst.CacheWritePerMTok) {
			worst.CacheWritePerMTok = w
		}
	}
	return worst
}

// cost prices a token count. A dollar per million tokens is one Micro per
// token, so the per-MTok price multiplies token counts directly.
func cost(p Price, u Usage) roastguard.Micros {
	total := p.InputPerMTok.Mul(decimal.NewFromInt(u.InputTokens)).
		Add(p.cacheWrite().Mul(decimal.NewFromInt(u.CacheWriteTokens))).
		Add(p.OutputPerMTok.Mul(decimal.NewFromInt(u.OutputTokens)))
	return roastguard.Micros(total.Ceil().IntPart())
}
