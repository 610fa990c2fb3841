// Package pricing resolves model costs for billable work. Prices come
// from a built-in catalog keyed by api type and model, with flat,
// per-token, and capability-tiered entries.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MR-liu/waoowaoo-sub003/pkg/billing"
)

// PricingMode selects how an entry turns usage into money.
type PricingMode string

const (
	// ModeFlat charges a fixed amount per unit of usage.
	ModeFlat PricingMode = "flat"
	// ModeToken charges separate input and output rates per 1000 tokens.
	ModeToken PricingMode = "token"
	// ModeCapability picks an amount from tiers matched against the
	// caller's generation selections, then charges it per unit.
	ModeCapability PricingMode = "capability"
)

// Tier is one capability-priced bucket. When must match the caller's
// selections exactly, field by field.
type Tier struct {
	When   map[string]any
	Amount decimal.Decimal
}

// Entry prices one model under one api type.
type Entry struct {
	APIType string
	Model   string
	Mode    PricingMode

	Flat decimal.Decimal

	InputPerKToken  decimal.Decimal
	OutputPerKToken decimal.Decimal

	Tiers []Tier
}

// Catalog implements the pricer contract over a static entry table.
type Catalog struct {
	entries map[string]Entry
}

func money(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

// builtinEntries is the default price list, in account currency units.
func builtinEntries() []Entry {
	return []Entry{
		{APIType: "text", Model: "qwen-max", Mode: ModeToken, InputPerKToken: money("0.0024"), OutputPerKToken: money("0.0096")},
		{APIType: "text", Model: "qwen-plus", Mode: ModeToken, InputPerKToken: money("0.0008"), OutputPerKToken: money("0.002")},
		{APIType: "text", Model: "deepseek-v3", Mode: ModeToken, InputPerKToken: money("0.002"), OutputPerKToken: money("0.008")},
		{APIType: "text", Model: "glm-4.5", Mode: ModeToken, InputPerKToken: money("0.004"), OutputPerKToken: money("0.016")},

		{APIType: "image", Model: "nano-banana", Mode: ModeFlat, Flat: money("0.28")},
		{APIType: "image", Model: "seedream-4", Mode: ModeFlat, Flat: money("0.2")},
		{APIType: "image", Model: "qwen-image", Mode: ModeFlat, Flat: money("0.14")},

		{APIType: "video", Model: "kling", Mode: ModeCapability, Tiers: []Tier{
			{When: map[string]any{"resolution": "720p", "duration": int64(5)}, Amount: money("2.5")},
			{When: map[string]any{"resolution": "720p", "duration": int64(10)}, Amount: money("5")},
			{When: map[string]any{"resolution": "1080p", "duration": int64(5)}, Amount: money("3.5")},
			{When: map[string]any{"resolution": "1080p", "duration": int64(10)}, Amount: money("7")},
		}},
		{APIType: "video", Model: "wan-2.2", Mode: ModeCapability, Tiers: []Tier{
			{When: map[string]any{"resolution": "720p"}, Amount: money("1.2")},
			{When: map[string]any{"resolution": "1080p"}, Amount: money("2")},
		}},
		{APIType: "video", Model: "veo-3", Mode: ModeCapability, Tiers: []Tier{
			{When: map[string]any{"generateAudio": true}, Amount: money("14")},
			{When: map[string]any{"generateAudio": false}, Amount: money("10")},
		}},

		{APIType: "voice", Model: "index-tts2", Mode: ModeFlat, Flat: money("0.05")},
		{APIType: "voice", Model: "cosyvoice-2", Mode: ModeFlat, Flat: money("0.08")},

		{APIType: "voice-design", Model: "qwen-voice-design", Mode: ModeFlat, Flat: money("0.6")},

		{APIType: "lip-sync", Model: "kling", Mode: ModeFlat, Flat: money("1.8")},
	}
}

// NewCatalog builds a catalog from the built-in price list plus any
// overrides, which win over built-ins for the same api type and model.
func NewCatalog(overrides ...Entry) *Catalog {
	catalog := &Catalog{entries: make(map[string]Entry)}
	for _, entry := range builtinEntries() {
		catalog.entries[entryKey(entry.APIType, entry.Model)] = entry
	}
	for _, entry := range overrides {
		catalog.entries[entryKey(entry.APIType, entry.Model)] = entry
	}
	return catalog
}

func entryKey(apiType, model string) string {
	return apiType + "/" + model
}

// lookup resolves an entry, accepting provider-qualified model keys of
// the form "provider::modelId".
func (catalog *Catalog) lookup(apiType, model string) (Entry, bool) {
	if entry, ok := catalog.entries[entryKey(apiType, model)]; ok {
		return entry, true
	}
	if idx := strings.LastIndex(model, "::"); idx >= 0 {
		if entry, ok := catalog.entries[entryKey(apiType, model[idx+2:])]; ok {
			return entry, true
		}
	}
	return Entry{}, false
}

// QuoteCost prices one unit batch of usage. An uncatalogued model, or a
// capability-priced model whose selections match no tier, reports
// billing.ErrUnknownModelPricing.
func (catalog *Catalog) QuoteCost(apiType string, model string, quantity decimal.Decimal, unit string, metadata map[string]any) (decimal.Decimal, error) {
	entry, ok := catalog.lookup(apiType, model)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", billing.ErrUnknownModelPricing, apiType, model)
	}
	switch entry.Mode {
	case ModeFlat:
		return billing.NormalizeMoney(entry.Flat.Mul(quantity)), nil
	case ModeToken:
		return catalog.tokenCost(entry, quantity, metadata), nil
	case ModeCapability:
		amount, matched := matchTier(entry.Tiers, selections(metadata))
		if !matched {
			return decimal.Zero, fmt.Errorf("%w: %s/%s has no tier for the requested capabilities",
				billing.ErrUnknownModelPricing, apiType, model)
		}
		return billing.NormalizeMoney(amount.Mul(quantity)), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s/%s has mode %q", billing.ErrUnknownModelPricing, apiType, model, entry.Mode)
}

var thousand = decimal.NewFromInt(1000)

// tokenCost splits the token budget into input and output portions.
// When the split is absent from metadata the whole quantity is charged
// at the input rate.
func (catalog *Catalog) tokenCost(entry Entry, quantity decimal.Decimal, metadata map[string]any) decimal.Decimal {
	inputTokens, inputOK := metadataInt(metadata, "inputTokens")
	outputTokens, outputOK := metadataInt(metadata, "outputTokens")
	if !inputOK && !outputOK {
		return billing.NormalizeMoney(quantity.Div(thousand).Mul(entry.InputPerKToken))
	}
	inputCost := decimal.NewFromInt(inputTokens).Div(thousand).Mul(entry.InputPerKToken)
	outputCost := decimal.NewFromInt(outputTokens).Div(thousand).Mul(entry.OutputPerKToken)
	return billing.NormalizeMoney(inputCost.Add(outputCost))
}

// selections extracts the capability fields tiers match against. A
// nested pricingSelections object wins over top-level fields.
func selections(metadata map[string]any) map[string]any {
	fields := map[string]any{}
	for _, key := range []string{"resolution", "duration", "generateAudio", "generationMode"} {
		if value, ok := metadata[key]; ok {
			fields[key] = value
		}
	}
	if nested, ok := metadata["pricingSelections"].(map[string]any); ok {
		for key, value := range nested {
			fields[key] = value
		}
	}
	return fields
}

func matchTier(tiers []Tier, fields map[string]any) (decimal.Decimal, bool) {
	for _, tier := range tiers {
		matched := true
		for field, expected := range tier.When {
			if !capabilityEqual(fields[field], expected) {
				matched = false
				break
			}
		}
		if matched {
			return tier.Amount, true
		}
	}
	return decimal.Zero, false
}

// capabilityEqual compares selection values loosely: numeric kinds
// compare by value so a JSON float64 matches an int64 tier constant.
func capabilityEqual(got, expected any) bool {
	if got == nil {
		return false
	}
	gotNumber, gotIsNumber := asFloat(got)
	expectedNumber, expectedIsNumber := asFloat(expected)
	if gotIsNumber && expectedIsNumber {
		return gotNumber == expectedNumber
	}
	return got == expected
}

func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float64:
		return typed, true
	case decimal.Decimal:
		result, _ := typed.Float64()
		return result, true
	}
	return 0, false
}

func metadataInt(metadata map[string]any, key string) (int64, bool) {
	raw, ok := metadata[key]
	if !ok {
		return 0, false
	}
	number, isNumber := asFloat(raw)
	if !isNumber {
		return 0, false
	}
	return int64(number), true
}
