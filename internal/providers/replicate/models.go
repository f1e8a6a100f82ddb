package replicate

import (
	"fmt"
	"strings"

	"tryon/internal/domain"
)

// ModelConfig describes one hosted model variant, including the LoRA weights
// and the trigger word the prompt must carry for fine-tuned checkpoints.
type ModelConfig struct {
	Name            string
	Model           string
	LoRAWeights     string
	TriggerWord     string
	DefaultSteps    int
	DefaultGuidance float64
	BaseCost        float64
}

// Catalog of model types accepted from clients. Keys match the model_type
// field on generation requests.
var Models = map[string]ModelConfig{
	"nail_generator_1": {
		Name:            "FLUX.1-dev LoRA Nails Generator",
		Model:           "black-forest-labs/flux-dev-lora",
		LoRAWeights:     "https://huggingface.co/akhmat-s/FLUX.1-dev-LoRA-Nails-Generator/resolve/main/lora.safetensors",
		DefaultSteps:    28,
		DefaultGuidance: 3.5,
		BaseCost:        0.025,
	},
	"nail_generator_2": {
		Name:            "Nails Woman LoRA",
		Model:           "black-forest-labs/flux-dev-lora",
		LoRAWeights:     "https://huggingface.co/sheko007/nailswoman/resolve/main/lora.safetensors",
		TriggerWord:     "lnailswoman",
		DefaultSteps:    28,
		DefaultGuidance: 3.5,
		BaseCost:        0.025,
	},
	"flux_schnell": {
		Name:            "FLUX Schnell (Fast)",
		Model:           "black-forest-labs/flux-schnell",
		DefaultSteps:    4,
		DefaultGuidance: 0,
		BaseCost:        0.003,
	},
	"idm_vton": {
		Name:         "IDM-VTON Virtual Try-On",
		Model:        "cuuupid/idm-vton",
		DefaultSteps: 30,
		BaseCost:     0.035,
	},
}

// QualityPreset tunes the steps/guidance trade-off between cost and fidelity.
type QualityPreset struct {
	Steps    int
	Guidance float64
}

var Qualities = map[string]QualityPreset{
	"preview":  {Steps: 4, Guidance: 1.0},
	"standard": {Steps: 8, Guidance: 2.5},
	"high":     {Steps: 28, Guidance: 3.5},
}

// DefaultQuality applies when a request omits the quality field.
const DefaultQuality = "standard"

// LookupModel resolves a client-supplied model type, case-insensitively.
func LookupModel(modelType string) (ModelConfig, bool) {
	cfg, ok := Models[strings.ToLower(strings.TrimSpace(modelType))]
	return cfg, ok
}

// EstimateCost approximates the charge for one generation before it runs.
func EstimateCost(modelType, quality string) float64 {
	cfg, ok := LookupModel(modelType)
	if !ok {
		return 0
	}
	cost := cfg.BaseCost
	if q, ok := Qualities[quality]; ok && cfg.DefaultSteps > 0 {
		cost = cost * float64(q.Steps) / float64(cfg.DefaultSteps)
	}
	return cost
}

// ActualCost derives the realized charge from the provider's reported
// per-prediction inference time. Pricing is flat per generation for the
// LoRA models, so predict time only matters as a presence signal.
func ActualCost(modelType string, predictTime float64) float64 {
	cfg, ok := LookupModel(modelType)
	if !ok || predictTime <= 0 {
		return 0
	}
	return cfg.BaseCost
}

// KindForModel maps a model type to the try-on category it serves.
func KindForModel(modelType string) domain.GenerationKind {
	switch strings.ToLower(strings.TrimSpace(modelType)) {
	case "idm_vton":
		return domain.GenerationKindTryOn
	case "nail_generator_1", "nail_generator_2":
		return domain.GenerationKindNails
	default:
		return domain.GenerationKindNails
	}
}

// BuildPrompt prepends the model's trigger word when one is required.
func BuildPrompt(cfg ModelConfig, prompt string) string {
	if cfg.TriggerWord == "" {
		return prompt
	}
	return fmt.Sprintf("%s %s", cfg.TriggerWord, prompt)
}
