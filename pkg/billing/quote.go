package billing

import (
	"github.com/shopspring/decimal"
)

// API types and usage units shared by quotes, pricing, and reporting.
const (
	APITypeText        = "text"
	APITypeImage       = "image"
	APITypeVideo       = "video"
	APITypeVoice       = "voice"
	APITypeLipSync     = "lip-sync"
	APITypeVoiceDesign = "voice-design"

	UnitToken  = "token"
	UnitImage  = "image"
	UnitVideo  = "video"
	UnitSecond = "second"
	UnitCall   = "call"
)

// Pricer computes a cost from task parameters. It is an external
// collaborator: the orchestrator consumes it, the catalog package
// implements it. An uncatalogued model surfaces ErrUnknownModelPricing.
type Pricer interface {
	QuoteCost(apiType string, model string, quantity decimal.Decimal, unit string, metadata map[string]any) (decimal.Decimal, error)
}

// Quote is the pre-computed upper bound cost of a unit of billable
// work, used as the freeze amount in enforce mode. One variant exists
// per billable operation.
type Quote interface {
	APIType() string
	Model() string
	Quantity() decimal.Decimal
	Unit() string
	MaxFrozenCost() decimal.Decimal
	Meta() map[string]any
}

// TextQuote bounds an LLM call by its token budget.
type TextQuote struct {
	ModelID      string
	InputTokens  int64
	OutputTokens int64
	Cost         decimal.Decimal
}

func (quote TextQuote) APIType() string { return APITypeText }
func (quote TextQuote) Model() string { return quote.ModelID }
func (quote TextQuote) Quantity() decimal.Decimal {
	return decimal.NewFromInt(quote.InputTokens + quote.OutputTokens)
}
func (quote TextQuote) Unit() string { return UnitToken }
func (quote TextQuote) MaxFrozenCost() decimal.Decimal { return quote.Cost }
func (quote TextQuote) Meta() map[string]any {
	return map[string]any{"inputTokens": quote.InputTokens, "outputTokens": quote.OutputTokens}
}

// ImageQuote bounds an image generation by candidate count.
type ImageQuote struct {
	ModelID    string
	Count      int64
	Resolution string
	Cost       decimal.Decimal
}

func (quote ImageQuote) APIType() string { return APITypeImage }
func (quote ImageQuote) Model() string { return quote.ModelID }
func (quote ImageQuote) Quantity() decimal.Decimal { return decimal.NewFromInt(quote.Count) }
func (quote ImageQuote) Unit() string { return UnitImage }
func (quote ImageQuote) MaxFrozenCost() decimal.Decimal { return quote.Cost }
func (quote ImageQuote) Meta() map[string]any {
	if quote.Resolution == "" {
		return nil
	}
	return map[string]any{"resolution": quote.Resolution}
}

// VideoQuote bounds a video generation by count, resolution, and duration.
type VideoQuote struct {
	ModelID        string
	Count          int64
	Resolution     string
	Duration       int64
	GenerateAudio  bool
	GenerationMode string
	Cost           decimal.Decimal
}

func (quote VideoQuote) APIType() string { return APITypeVideo }
func (quote VideoQuote) Model() string { return quote.ModelID }
func (quote VideoQuote) Quantity() decimal.Decimal { return decimal.NewFromInt(quote.Count) }
func (quote VideoQuote) Unit() string { return UnitVideo }
func (quote VideoQuote) MaxFrozenCost() decimal.Decimal { return quote.Cost }
func (quote VideoQuote) Meta() map[string]any {
	meta := map[string]any{"generationMode": quote.GenerationMode}
	if quote.Resolution != "" {
		meta["resolution"] = quote.Resolution
	}
	if quote.Duration > 0 {
		meta["duration"] = quote.Duration
	}
	meta["generateAudio"] = quote.GenerateAudio
	return meta
}

// VoiceQuote bounds a speech synthesis call by its maximum duration.
type VoiceQuote struct {
	ModelID    string
	MaxSeconds int64
	Cost       decimal.Decimal
}

func (quote VoiceQuote) APIType() string { return APITypeVoice }
func (quote VoiceQuote) Model() string { return quote.ModelID }
func (quote VoiceQuote) Quantity() decimal.Decimal { return decimal.NewFromInt(quote.MaxSeconds) }
func (quote VoiceQuote) Unit() string { return UnitSecond }
func (quote VoiceQuote) MaxFrozenCost() decimal.Decimal { return quote.Cost }
func (quote VoiceQuote) Meta() map[string]any {
	return map[string]any{"maxSeconds": quote.MaxSeconds}
}

// LipSyncQuote bounds one lip-sync call.
type LipSyncQuote struct {
	ModelID string
	Cost    decimal.Decimal
}

func (quote LipSyncQuote) APIType() string { return APITypeLipSync }
func (quote LipSyncQuote) Model() string { return quote.ModelID }
func (quote LipSyncQuote) Quantity() decimal.Decimal { return decimal.NewFromInt(1) }
func (quote LipSyncQuote) Unit() string { return UnitCall }
func (quote LipSyncQuote) MaxFrozenCost() decimal.Decimal { return quote.Cost }
func (quote LipSyncQuote) Meta() map[string]any { return nil }

// VoiceDesignQuote bounds one voice-design call.
type VoiceDesignQuote struct {
	ModelID string
	Cost    decimal.Decimal
}

func (quote VoiceDesignQuote) APIType() string { return APITypeVoiceDesign }
func (quote VoiceDesignQuote) Model() string { return quote.ModelID }
func (quote VoiceDesignQuote) Quantity() decimal.Decimal { return decimal.NewFromInt(1) }
func (quote VoiceDesignQuote) Unit() string { return UnitCall }
func (quote VoiceDesignQuote) MaxFrozenCost() decimal.Decimal { return quote.Cost }
func (quote VoiceDesignQuote) Meta() map[string]any { return nil }
