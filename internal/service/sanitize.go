package service

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gateline/internal/domain"
)

// Input shapes accepted from callers. Distributions arrive loosely typed
// (numbers, numeric strings, garbage) and are coerced here, before any
// store call; nothing non-finite is ever handed downstream.

type FinancialEntryInput struct {
	ID           string         `json:"id,omitempty"`
	Label        string         `json:"label,omitempty"`
	Category     string         `json:"category,omitempty"`
	Distribution map[string]any `json:"distribution,omitempty"`
}

type StagePayloadInput struct {
	Name        string                           `json:"name,omitempty"`
	Description string                           `json:"description,omitempty"`
	PeriodMonth *int                             `json:"period_month,omitempty"`
	PeriodYear  *int                             `json:"period_year,omitempty"`
	L4Date      *string                          `json:"l4_date,omitempty"`
	Financials  map[string][]FinancialEntryInput `json:"financials,omitempty"`
}

type StageMapInput map[string]StagePayloadInput

// sanitizeStages produces a full six-key stage map from arbitrary input.
// Unknown stage keys and unknown financial kinds are dropped.
func sanitizeStages(input StageMapInput) domain.StageMap {
	out := domain.NewStageMap()
	for key, payload := range input {
		stage, ok := domain.ParseStage(strings.TrimSpace(key))
		if !ok {
			continue
		}
		out[stage] = sanitizePayload(payload)
	}
	return out
}

func sanitizePayload(p StagePayloadInput) domain.StagePayload {
	clean := domain.StagePayload{
		Name:        strings.TrimSpace(p.Name),
		Description: strings.TrimSpace(p.Description),
		PeriodMonth: clampMonth(p.PeriodMonth),
		PeriodYear:  p.PeriodYear,
		L4Date:      trimDate(p.L4Date),
	}
	if len(p.Financials) == 0 {
		return clean
	}
	clean.Financials = make(map[domain.FinancialKind][]domain.FinancialEntry)
	for rawKind, entries := range p.Financials {
		kind, ok := parseKind(rawKind)
		if !ok {
			continue
		}
		sanitized := make([]domain.FinancialEntry, 0, len(entries))
		for _, e := range entries {
			sanitized = append(sanitized, domain.FinancialEntry{
				ID:           strings.TrimSpace(e.ID),
				Label:        strings.TrimSpace(e.Label),
				Category:     strings.TrimSpace(e.Category),
				Distribution: sanitizeDistribution(e.Distribution),
			})
		}
		clean.Financials[kind] = sanitized
	}
	return clean
}

func parseKind(raw string) (domain.FinancialKind, bool) {
	kind := domain.FinancialKind(strings.TrimSpace(raw))
	for _, k := range domain.FinancialKinds {
		if k == kind {
			return kind, true
		}
	}
	return "", false
}

// sanitizeDistribution keeps finite numbers only. Numeric strings coerce;
// NaN, infinities and everything else are dropped, never stored.
func sanitizeDistribution(in map[string]any) map[string]float64 {
	out := make(map[string]float64, len(in))
	for key, raw := range in {
		v, ok := coerceFinite(raw)
		if !ok {
			continue
		}
		out[key] = v
	}
	return out
}

func coerceFinite(raw any) (float64, bool) {
	var v float64
	switch val := raw.(type) {
	case float64:
		v = val
	case float32:
		v = float64(val)
	case int:
		v = float64(val)
	case int64:
		v = float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func clampMonth(m *int) *int {
	if m == nil || *m < 1 || *m > 12 {
		return nil
	}
	v := *m
	return &v
}

func trimDate(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// inheritL4Date fills an empty record-level anchor date from the L4 stage
// payload.
func inheritL4Date(in *domain.Initiative) {
	if in.L4Date != nil && *in.L4Date != "" {
		return
	}
	if l4, ok := in.Stages[domain.StageL4]; ok && l4.L4Date != nil {
		in.L4Date = l4.L4Date
	}
}
