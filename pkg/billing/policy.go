package billing

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// TaskType identifies a unit of billable work queued by a caller.
type TaskType string

const (
	TaskImagePanel       TaskType = "image_panel"
	TaskImageCharacter   TaskType = "image_character"
	TaskImageLocation    TaskType = "image_location"
	TaskPanelVariant     TaskType = "panel_variant"
	TaskModifyAssetImage TaskType = "modify_asset_image"
	TaskAssetHubImage    TaskType = "asset_hub_image"

	TaskVideoPanel TaskType = "video_panel"

	TaskLipSync TaskType = "lip_sync"

	TaskVoiceLine TaskType = "voice_line"

	TaskVoiceDesign         TaskType = "voice_design"
	TaskAssetHubVoiceDesign TaskType = "asset_hub_voice_design"

	TaskAnalyzeNovel             TaskType = "analyze_novel"
	TaskStoryToScript            TaskType = "story_to_script"
	TaskScriptToStoryboard       TaskType = "script_to_storyboard"
	TaskRegenerateStoryboardText TaskType = "regenerate_storyboard_text"
	TaskScreenplayConvert        TaskType = "screenplay_convert"
	TaskEpisodeSplit             TaskType = "episode_split"
	TaskVoiceAnalyze             TaskType = "voice_analyze"
)

const (
	defaultVoiceModel       = "index-tts2"
	defaultVoiceDesignModel = "qwen-voice-design"
	defaultLipSyncModel     = "kling"
	defaultVideoResolution  = "720p"

	defaultMaxInputTokens  = 3000
	defaultMaxOutputTokens = 1200
	defaultMaxVoiceSeconds = 5
)

var imageTaskTypes = map[TaskType]struct{}{
	TaskImagePanel:       {},
	TaskImageCharacter:   {},
	TaskImageLocation:    {},
	TaskPanelVariant:     {},
	TaskModifyAssetImage: {},
	TaskAssetHubImage:    {},
}

var textTaskTypes = map[TaskType]struct{}{
	TaskAnalyzeNovel:             {},
	TaskStoryToScript:            {},
	TaskScriptToStoryboard:       {},
	TaskRegenerateStoryboardText: {},
	TaskScreenplayConvert:        {},
	TaskEpisodeSplit:             {},
	TaskVoiceAnalyze:             {},
}

// IsBillableTaskType reports whether tasks of this type go through the
// billing lifecycle at all.
func IsBillableTaskType(taskType TaskType) bool {
	if _, ok := imageTaskTypes[taskType]; ok {
		return true
	}
	if _, ok := textTaskTypes[taskType]; ok {
		return true
	}
	switch taskType {
	case TaskVideoPanel, TaskLipSync, TaskVoiceLine, TaskVoiceDesign, TaskAssetHubVoiceDesign:
		return true
	}
	return false
}

// BuildQuote derives the quote variant for a task from its loosely
// typed payload. A nil quote with a nil error means the task is not
// billable or the payload names no model. An uncatalogued model yields
// a zero-cost quote rather than a failure, so uncatalogued models are
// never blocked.
func BuildQuote(taskType TaskType, payload map[string]any, pricer Pricer) (Quote, error) {
	if !IsBillableTaskType(taskType) {
		return nil, nil
	}
	if _, ok := imageTaskTypes[taskType]; ok {
		return buildImageQuote(payload, pricer)
	}
	if _, ok := textTaskTypes[taskType]; ok {
		return buildTextQuote(payload, pricer)
	}
	switch taskType {
	case TaskVideoPanel:
		return buildVideoQuote(payload, pricer)
	case TaskLipSync:
		return buildLipSyncQuote(payload, pricer)
	case TaskVoiceLine:
		return buildVoiceQuote(payload, pricer)
	case TaskVoiceDesign, TaskAssetHubVoiceDesign:
		return buildVoiceDesignQuote(pricer)
	}
	return nil, nil
}

func buildTextQuote(payload map[string]any, pricer Pricer) (Quote, error) {
	model := firstPayloadString(payload, "analysisModel", "model")
	if model == "" {
		return nil, nil
	}
	inputTokens := payloadInt(payload, "maxInputTokens", defaultMaxInputTokens)
	outputTokens := payloadInt(payload, "maxOutputTokens", defaultMaxOutputTokens)
	quote := TextQuote{ModelID: model, InputTokens: inputTokens, OutputTokens: outputTokens}
	cost, err := priceOrZero(pricer, quote)
	if err != nil {
		return nil, err
	}
	quote.Cost = cost
	return quote, nil
}

func buildImageQuote(payload map[string]any, pricer Pricer) (Quote, error) {
	model := firstPayloadString(payload, "imageModel", "modelId", "model")
	if model == "" {
		return nil, nil
	}
	count := payloadInt(payload, "candidateCount", 0)
	if count < 1 {
		count = payloadInt(payload, "count", 1)
	}
	if count < 1 {
		count = 1
	}
	quote := ImageQuote{
		ModelID:    model,
		Count:      count,
		Resolution: payloadResolution(payload),
	}
	cost, err := priceOrZero(pricer, quote)
	if err != nil {
		return nil, err
	}
	quote.Cost = cost
	return quote, nil
}

func buildVideoQuote(payload map[string]any, pricer Pricer) (Quote, error) {
	firstLastFrame := payloadMap(payload, "firstLastFrame")
	model := firstPayloadString(payload, "videoModel", "modelId", "model")
	if model == "" {
		model = firstPayloadString(firstLastFrame, "flModel")
	}
	if model == "" {
		return nil, nil
	}
	generationMode := "normal"
	if len(firstLastFrame) > 0 {
		generationMode = "firstlastframe"
	}
	options := payloadMap(payload, "generationOptions")
	resolution := firstPayloadString(options, "resolution")
	if resolution == "" {
		resolution = firstPayloadString(payload, "resolution")
	}
	if resolution == "" {
		resolution = defaultVideoResolution
	}
	duration := payloadInt(options, "duration", 0)
	if duration == 0 {
		duration = payloadInt(payload, "duration", 0)
	}
	generateAudio, _ := options["generateAudio"].(bool)
	count := payloadInt(payload, "count", 1)
	if count < 1 {
		count = 1
	}
	quote := VideoQuote{
		ModelID:        model,
		Count:          count,
		Resolution:     resolution,
		Duration:       duration,
		GenerateAudio:  generateAudio,
		GenerationMode: generationMode,
	}
	cost, err := priceOrZero(pricer, quote)
	if err != nil {
		return nil, err
	}
	quote.Cost = cost
	return quote, nil
}

func buildLipSyncQuote(payload map[string]any, pricer Pricer) (Quote, error) {
	model := firstPayloadString(payload, "lipSyncModel")
	if model == "" {
		model = defaultLipSyncModel
	}
	quote := LipSyncQuote{ModelID: model}
	cost, err := priceOrZero(pricer, quote)
	if err != nil {
		return nil, err
	}
	quote.Cost = cost
	return quote, nil
}

func buildVoiceQuote(payload map[string]any, pricer Pricer) (Quote, error) {
	maxSeconds := payloadInt(payload, "maxSeconds", defaultMaxVoiceSeconds)
	if maxSeconds < 1 {
		maxSeconds = 1
	}
	quote := VoiceQuote{ModelID: defaultVoiceModel, MaxSeconds: maxSeconds}
	cost, err := priceOrZero(pricer, quote)
	if err != nil {
		return nil, err
	}
	quote.Cost = cost
	return quote, nil
}

func buildVoiceDesignQuote(pricer Pricer) (Quote, error) {
	quote := VoiceDesignQuote{ModelID: defaultVoiceDesignModel}
	cost, err := priceOrZero(pricer, quote)
	if err != nil {
		return nil, err
	}
	quote.Cost = cost
	return quote, nil
}

func priceOrZero(pricer Pricer, quote Quote) (decimal.Decimal, error) {
	if pricer == nil {
		return decimal.Zero, nil
	}
	cost, err := pricer.QuoteCost(quote.APIType(), quote.Model(), quote.Quantity(), quote.Unit(), quote.Meta())
	if err != nil {
		if errors.Is(err, ErrUnknownModelPricing) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return NormalizeMoney(cost), nil
}

func firstPayloadString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := payload[key].(string); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func payloadInt(payload map[string]any, key string, fallback int64) int64 {
	switch value := payload[key].(type) {
	case int:
		return int64(value)
	case int64:
		return value
	case float64:
		return int64(value)
	case decimal.Decimal:
		return value.IntPart()
	}
	return fallback
}

func payloadMap(payload map[string]any, key string) map[string]any {
	value, _ := payload[key].(map[string]any)
	return value
}

func payloadResolution(payload map[string]any) string {
	options := payloadMap(payload, "generationOptions")
	if resolution := firstPayloadString(options, "resolution"); resolution != "" {
		return resolution
	}
	return firstPayloadString(payload, "resolution")
}
