// Package metering converts stream observations into token counts and
// integer micro-USD costs. All arithmetic is integral; the rounding of
// each division is fixed by the pricing entry so two nodes always
// compute the same cost.
package metering

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/hounfour/finn/internal/faults"
)

// Rounding selects how a cost division resolves its remainder.
type Rounding string

const (
	RoundNearest Rounding = "nearest"
	RoundCeil    Rounding = "ceil"
	RoundFloor   Rounding = "floor"
)

const microPerToken = 1_000_000 // rates are micro-USD per million tokens

// PricingEntry is one provider/model price line.
type PricingEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// Rates in micro-USD per million tokens.
	InputRate     uint64 `yaml:"input_microusd_per_mtok"`
	OutputRate    uint64 `yaml:"output_microusd_per_mtok"`
	ReasoningRate uint64 `yaml:"reasoning_microusd_per_mtok"`

	// BytesPerToken drives byte estimation when the provider reports
	// no usage. Zero takes the default of 4.
	BytesPerToken int      `yaml:"bytes_per_token"`
	Rounding      Rounding `yaml:"rounding"`
}

func (e *PricingEntry) bytesPerToken() int {
	if e.BytesPerToken <= 0 {
		return 4
	}
	return e.BytesPerToken
}

// CostBreakdown is an itemized micro-USD cost.
type CostBreakdown struct {
	InputCostMicro     uint64 `json:"input_cost_micro"`
	OutputCostMicro    uint64 `json:"output_cost_micro"`
	ReasoningCostMicro uint64 `json:"reasoning_cost_micro"`
	TotalCostMicro     uint64 `json:"total_cost_micro"`
}

// Wire renders the breakdown with string values, the cross-service
// format that avoids JSON number precision loss.
func (c CostBreakdown) Wire() map[string]string {
	return map[string]string{
		"input_cost_micro":     strconv.FormatUint(c.InputCostMicro, 10),
		"output_cost_micro":    strconv.FormatUint(c.OutputCostMicro, 10),
		"reasoning_cost_micro": strconv.FormatUint(c.ReasoningCostMicro, 10),
		"total_cost_micro":     strconv.FormatUint(c.TotalCostMicro, 10),
	}
}

// tokenCost resolves tokens·rate/1M with the entry's rounding.
func (e *PricingEntry) tokenCost(tokens uint64, rate uint64) uint64 {
	n := tokens * rate
	q, r := n/microPerToken, n%microPerToken
	switch e.Rounding {
	case RoundCeil:
		if r > 0 {
			q++
		}
	case RoundFloor:
	default: // nearest
		if r*2 >= microPerToken {
			q++
		}
	}
	return q
}

// Cost itemizes the price of a token triple. Reasoning tokens bill at
// the output rate unless the entry carries its own reasoning rate.
func (e *PricingEntry) Cost(promptTokens, completionTokens, reasoningTokens uint64) CostBreakdown {
	reasoningRate := e.ReasoningRate
	if reasoningRate == 0 {
		reasoningRate = e.OutputRate
	}
	b := CostBreakdown{
		InputCostMicro:     e.tokenCost(promptTokens, e.InputRate),
		OutputCostMicro:    e.tokenCost(completionTokens, e.OutputRate),
		ReasoningCostMicro: e.tokenCost(reasoningTokens, reasoningRate),
	}
	b.TotalCostMicro = b.InputCostMicro + b.OutputCostMicro + b.ReasoningCostMicro
	return b
}

// Table is the loaded pricing configuration.
type Table struct {
	Entries  []PricingEntry `yaml:"pricing"`
	Defaults *PricingEntry  `yaml:"defaults"`
}

// LoadTable reads a pricing YAML file.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	return ParseTable(raw)
}

// ParseTable decodes pricing YAML.
func ParseTable(raw []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	return &t, nil
}

// Find resolves provider/model to a price line, falling back to the
// table defaults. Unknown models without defaults are an input error.
func (t *Table) Find(provider, model string) (*PricingEntry, error) {
	for i := range t.Entries {
		if t.Entries[i].Provider == provider && t.Entries[i].Model == model {
			return &t.Entries[i], nil
		}
	}
	if t.Defaults != nil {
		return t.Defaults, nil
	}
	return nil, faults.Newf(faults.KindInputInvalid, "PRICING_UNKNOWN_MODEL",
		"no pricing for %s/%s", provider, model)
}
