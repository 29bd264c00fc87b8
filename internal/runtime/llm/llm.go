// Package llm adapts the Claude, Gemini and OpenAI model families behind one
// Provider interface and prices their token usage.
package llm

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Family groups models that share an API and a price tier.
type Family string

const (
	FamilyClaude  Family = "claude"
	FamilyGemini  Family = "gemini"
	FamilyOpenAI  Family = "openai"
	FamilyUnknown Family = ""
)

// Rates in USD per million tokens.
const (
	ClaudeSonnetInputCostPerMTok  = 3.00
	ClaudeSonnetOutputCostPerMTok = 15.00
	ClaudeHaikuInputCostPerMTok   = 0.25
	ClaudeHaikuOutputCostPerMTok  = 1.25
	Gemini15ProInputCostPerMTok   = 3.50
	Gemini15ProOutputCostPerMTok  = 10.50
	GPT4TurboInputCostPerMTok     = 10.00
	GPT4TurboOutputCostPerMTok    = 30.00
)

// Secret names resolved through the secret accessor.
const (
	AnthropicKeyName = "ANTHROPIC_API_KEY"
	GoogleKeyName    = "GOOGLE_API_KEY"
	OpenAIKeyName    = "OPENAI_API_KEY"
)

// Request is one completion call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the normalized provider answer.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Provider completes a prompt for one model family.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// FamilyOf resolves the family from a model id by substring.
func FamilyOf(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return FamilyClaude
	case strings.Contains(m, "gemini"):
		return FamilyGemini
	case strings.Contains(m, "gpt"), strings.Contains(m, "openai"):
		return FamilyOpenAI
	}
	return FamilyUnknown
}

// Rate is a price pair per million tokens.
type Rate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

var million = decimal.NewFromInt(1_000_000)

// RateFor returns the price tier of model. Claude models containing "haiku"
// use the Haiku tier; every other Claude model is priced as Sonnet.
func RateFor(model string) (Rate, bool) {
	switch FamilyOf(model) {
	case FamilyClaude:
		if strings.Contains(strings.ToLower(model), "haiku") {
			return rate(ClaudeHaikuInputCostPerMTok, ClaudeHaikuOutputCostPerMTok), true
		}
		return rate(ClaudeSonnetInputCostPerMTok, ClaudeSonnetOutputCostPerMTok), true
	case FamilyGemini:
		return rate(Gemini15ProInputCostPerMTok, Gemini15ProOutputCostPerMTok), true
	case FamilyOpenAI:
		return rate(GPT4TurboInputCostPerMTok, GPT4TurboOutputCostPerMTok), true
	}
	return Rate{}, false
}

func rate(in, out float64) Rate {
	return Rate{Input: decimal.NewFromFloat(in), Output: decimal.NewFromFloat(out)}
}

// Cost prices a call. Unknown models cost zero and report false.
func Cost(model string, inputTokens, outputTokens int) (decimal.Decimal, bool) {
	r, ok := RateFor(model)
	if !ok {
		return decimal.Zero, false
	}
	in := decimal.NewFromInt(int64(inputTokens)).Mul(r.Input)
	out := decimal.NewFromInt(int64(outputTokens)).Mul(r.Output)
	return in.Add(out).Div(million), true
}

// EstimateTokens approximates token counts at four characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}
