package billing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestBuildQuoteNonBillableTaskType(test *testing.T) {
	test.Parallel()
	quote, err := BuildQuote(TaskType("export_archive"), map[string]any{"model": "qwen-max"}, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	if quote != nil {
		test.Fatalf("expected no quote for a non-billable task, got %+v", quote)
	}
}

func TestBuildQuoteTextDefaultsTokenBudget(test *testing.T) {
	test.Parallel()
	quote, err := BuildQuote(TaskAnalyzeNovel, map[string]any{"analysisModel": "qwen-max"}, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	textQuote, ok := quote.(TextQuote)
	if !ok {
		test.Fatalf("expected a text quote, got %T", quote)
	}
	if textQuote.InputTokens != 3000 || textQuote.OutputTokens != 1200 {
		test.Fatalf("unexpected token budget: %+v", textQuote)
	}
	if !quote.Quantity().Equal(decimal.NewFromInt(4200)) {
		test.Fatalf("expected quantity 4200, got %s", quote.Quantity())
	}
	assertMoney(test, "cost", quote.MaxFrozenCost(), "0.42")
}

func TestBuildQuoteTextWithoutModel(test *testing.T) {
	test.Parallel()
	quote, err := BuildQuote(TaskStoryToScript, map[string]any{}, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	if quote != nil {
		test.Fatalf("expected no quote without a model, got %+v", quote)
	}
}

func TestBuildQuoteImageUsesCandidateCount(test *testing.T) {
	test.Parallel()
	payload := map[string]any{
		"imageModel":     "nano-banana",
		"candidateCount": float64(4),
		"generationOptions": map[string]any{
			"resolution": "1024x1024",
		},
	}
	quote, err := BuildQuote(TaskImagePanel, payload, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	imageQuote, ok := quote.(ImageQuote)
	if !ok {
		test.Fatalf("expected an image quote, got %T", quote)
	}
	if imageQuote.Count != 4 || imageQuote.Resolution != "1024x1024" {
		test.Fatalf("unexpected image quote: %+v", imageQuote)
	}
	assertMoney(test, "cost", quote.MaxFrozenCost(), "2")
}

func TestBuildQuoteVideoFirstLastFrame(test *testing.T) {
	test.Parallel()
	payload := map[string]any{
		"firstLastFrame": map[string]any{"flModel": "kling"},
		"generationOptions": map[string]any{
			"resolution":    "1080p",
			"duration":      float64(10),
			"generateAudio": true,
		},
	}
	quote, err := BuildQuote(TaskVideoPanel, payload, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	videoQuote, ok := quote.(VideoQuote)
	if !ok {
		test.Fatalf("expected a video quote, got %T", quote)
	}
	if videoQuote.GenerationMode != "firstlastframe" {
		test.Fatalf("expected firstlastframe mode, got %q", videoQuote.GenerationMode)
	}
	if videoQuote.Resolution != "1080p" || videoQuote.Duration != 10 || !videoQuote.GenerateAudio {
		test.Fatalf("unexpected video quote: %+v", videoQuote)
	}
	meta := quote.Meta()
	if meta["generationMode"] != "firstlastframe" || meta["resolution"] != "1080p" {
		test.Fatalf("unexpected quote metadata: %+v", meta)
	}
}

func TestBuildQuoteVideoDefaultsResolution(test *testing.T) {
	test.Parallel()
	quote, err := BuildQuote(TaskVideoPanel, map[string]any{"videoModel": "kling"}, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	videoQuote := quote.(VideoQuote)
	if videoQuote.Resolution != "720p" || videoQuote.GenerationMode != "normal" || videoQuote.Count != 1 {
		test.Fatalf("unexpected defaults: %+v", videoQuote)
	}
}

func TestBuildQuoteVoiceLineClampsSeconds(test *testing.T) {
	test.Parallel()
	quote, err := BuildQuote(TaskVoiceLine, map[string]any{"maxSeconds": float64(12)}, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	voiceQuote, ok := quote.(VoiceQuote)
	if !ok {
		test.Fatalf("expected a voice quote, got %T", quote)
	}
	if voiceQuote.ModelID != "index-tts2" || voiceQuote.MaxSeconds != 12 {
		test.Fatalf("unexpected voice quote: %+v", voiceQuote)
	}
	assertMoney(test, "cost", quote.MaxFrozenCost(), "2.4")

	defaulted, err := BuildQuote(TaskVoiceLine, map[string]any{}, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	if defaulted.(VoiceQuote).MaxSeconds != 5 {
		test.Fatalf("expected default seconds, got %+v", defaulted)
	}
}

func TestBuildQuoteLipSyncDefaultsModel(test *testing.T) {
	test.Parallel()
	quote, err := BuildQuote(TaskLipSync, map[string]any{}, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	lipSyncQuote, ok := quote.(LipSyncQuote)
	if !ok {
		test.Fatalf("expected a lip-sync quote, got %T", quote)
	}
	if lipSyncQuote.ModelID != "kling" {
		test.Fatalf("expected default lip-sync model, got %q", lipSyncQuote.ModelID)
	}
}

func TestBuildQuoteUncataloguedModelCostsZero(test *testing.T) {
	test.Parallel()
	quote, err := BuildQuote(TaskImagePanel, map[string]any{"imageModel": "brand-new-model"}, newFakePricer(test))
	if err != nil {
		test.Fatalf("build quote: %v", err)
	}
	if quote == nil {
		test.Fatalf("expected a quote for an uncatalogued model")
	}
	assertMoney(test, "cost", quote.MaxFrozenCost(), "0")
}

func TestBuildQuoteVoiceDesign(test *testing.T) {
	test.Parallel()
	for _, taskType := range []TaskType{TaskVoiceDesign, TaskAssetHubVoiceDesign} {
		quote, err := BuildQuote(taskType, map[string]any{}, newFakePricer(test))
		if err != nil {
			test.Fatalf("build quote %s: %v", taskType, err)
		}
		designQuote, ok := quote.(VoiceDesignQuote)
		if !ok {
			test.Fatalf("expected a voice-design quote, got %T", quote)
		}
		if designQuote.ModelID != "qwen-voice-design" {
			test.Fatalf("expected default design model, got %q", designQuote.ModelID)
		}
		if quote.Unit() != UnitCall || !quote.Quantity().Equal(decimal.NewFromInt(1)) {
			test.Fatalf("unexpected quote shape: unit=%s quantity=%s", quote.Unit(), quote.Quantity())
		}
	}
}

func TestIsBillableTaskType(test *testing.T) {
	test.Parallel()
	billable := []TaskType{TaskImagePanel, TaskVideoPanel, TaskLipSync, TaskVoiceLine, TaskVoiceDesign, TaskAnalyzeNovel, TaskEpisodeSplit}
	for _, taskType := range billable {
		if !IsBillableTaskType(taskType) {
			test.Fatalf("expected %s to be billable", taskType)
		}
	}
	if IsBillableTaskType(TaskType("cleanup_temp_files")) {
		test.Fatalf("expected unknown task types to be non-billable")
	}
}
