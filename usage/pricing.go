package usage

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Rate 是每 1000 token 的价格。
type Rate struct {
	InputPer1K  float64 `toml:"input_per_1k"`
	OutputPer1K float64 `toml:"output_per_1k"`
}

// Pricing 是模型单价表：精确匹配优先，其次最长前缀（模型家族），最后默认价。
type Pricing struct {
	Models  map[string]Rate `toml:"models"`
	Default Rate            `toml:"default"`
}

func DefaultPricing() *Pricing {
	return &Pricing{
		Models: map[string]Rate{
			"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-4.1":           {InputPer1K: 0.002, OutputPer1K: 0.008},
			"gpt-4.1-mini":      {InputPer1K: 0.0004, OutputPer1K: 0.0016},
			"gpt-4-turbo":       {InputPer1K: 0.01, OutputPer1K: 0.03},
			"gpt-4":             {InputPer1K: 0.03, OutputPer1K: 0.06},
			"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
			"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
			"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
			"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
			"gemini-1.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.005},
			"gemini-1.5-flash":  {InputPer1K: 0.000075, OutputPer1K: 0.0003},
			"gemini-2.0-flash":  {InputPer1K: 0.0001, OutputPer1K: 0.0004},
			"gemini-2.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.01},
			"gemini-2.5-flash":  {InputPer1K: 0.0003, OutputPer1K: 0.0025},
		},
		Default: Rate{InputPer1K: 0.001, OutputPer1K: 0.002},
	}
}

// LoadPricing 用 TOML 文件覆盖内置价格表：
//
//	[default]
//	input_per_1k = 0.001
//	output_per_1k = 0.002
//
//	[models."gpt-4o"]
//	input_per_1k = 0.0025
//	output_per_1k = 0.01
func LoadPricing(path string) (*Pricing, error) {
	pricing := DefaultPricing()
	var overlay Pricing
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return nil, fmt.Errorf("usage: decode pricing file: %w", err)
	}
	for model, rate := range overlay.Models {
		pricing.Models[strings.ToLower(model)] = rate
	}
	if overlay.Default != (Rate{}) {
		pricing.Default = overlay.Default
	}
	return pricing, nil
}

// PricingFromEnv 在设置了 USAGE_PRICING_FILE 时加载该文件。
func PricingFromEnv() (*Pricing, error) {
	path := strings.TrimSpace(os.Getenv("USAGE_PRICING_FILE"))
	if path == "" {
		return DefaultPricing(), nil
	}
	return LoadPricing(path)
}

// Lookup 返回模型价格，以及是否命中价格表。
func (p *Pricing) Lookup(model string) (Rate, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if rate, ok := p.Models[model]; ok {
		return rate, true
	}
	best := ""
	for family := range p.Models {
		if strings.HasPrefix(model, family) && len(family) > len(best) {
			best = family
		}
	}
	if best != "" {
		return p.Models[best], true
	}
	return p.Default, false
}
