package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/costbook/pkg/api"
)

// requiredAttrs are the system attributes whose absence triggers a lookup.
var requiredAttrs = []string{"ahri_number", "tonnage", "seer2", "total_price"}

// certificateFields maps certificate keys to system attribute keys.
var certificateFields = [][2]string{
	{"ahri_ref", "ahri_number"},
	{"seer2", "seer2"},
	{"eer2", "eer2"},
	{"hspf2", "hspf2"},
	{"capacity", "capacity_btu"},
	{"tonnage", "tonnage"},
}

// EnrichStats counts what EnrichSilver did.
type EnrichStats struct {
	Candidates int `json:"candidates"`
	Enriched   int `json:"enriched"`
	NotFound   int `json:"not_found"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// EnrichSilver fills missing certificate attributes of the systems in a
// silver document. A system is a candidate when it has system_attributes
// and any of ahri_number, tonnage, seer2 or total_price is missing. It is
// looked up by its AHRI number, or else by the model number of its outdoor
// unit (component_type "ODU"). Only missing attributes are written.
//
// Lookup failures leave the system as it was; only a cancelled context
// aborts the walk.
func EnrichSilver(ctx context.Context, silver []byte, enricher api.Enricher) ([]byte, EnrichStats, error) {
	var stats EnrichStats

	dec := json.NewDecoder(bytes.NewReader(silver))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, stats, fmt.Errorf("parse silver document: %w", err)
	}

	systems, _ := doc["systems"].([]any)
	for _, s := range systems {
		system, ok := s.(map[string]any)
		if !ok {
			continue
		}
		attrs, ok := system["system_attributes"].(map[string]any)
		if !ok || !needsEnrichment(attrs) {
			continue
		}
		stats.Candidates++

		id := lookupIdentifier(system, attrs)
		if id == "" {
			stats.Skipped++
			continue
		}

		payload, err := enricher.Lookup(ctx, id)
		switch {
		case ctx.Err() != nil:
			return nil, stats, ctx.Err()
		case errors.Is(err, api.ErrNotFound):
			stats.NotFound++
			continue
		case err != nil:
			stats.Failed++
			continue
		}

		var cert map[string]any
		pd := json.NewDecoder(bytes.NewReader(payload))
		pd.UseNumber()
		if err := pd.Decode(&cert); err != nil {
			stats.Failed++
			continue
		}
		if mergeCertificate(attrs, cert) > 0 {
			stats.Enriched++
		}
	}

	if stats.Candidates == 0 {
		return silver, stats, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, stats, fmt.Errorf("encode silver document: %w", err)
	}
	return out, stats, nil
}

func needsEnrichment(attrs map[string]any) bool {
	for _, k := range requiredAttrs {
		if attrs[k] == nil {
			return true
		}
	}
	return false
}

func lookupIdentifier(system, attrs map[string]any) string {
	if n, ok := attrs["ahri_number"].(string); ok && strings.TrimSpace(n) != "" {
		return strings.TrimSpace(n)
	}
	if n, ok := attrs["ahri_number"].(json.Number); ok {
		return n.String()
	}
	components, _ := system["components"].([]any)
	for _, c := range components {
		comp, ok := c.(map[string]any)
		if !ok || comp["component_type"] != "ODU" {
			continue
		}
		if model, ok := comp["model_number"].(string); ok && strings.TrimSpace(model) != "" {
			return strings.ToUpper(strings.TrimSpace(model))
		}
	}
	return ""
}

// mergeCertificate writes certificate values into attributes that are
// missing and returns how many were filled.
func mergeCertificate(attrs, cert map[string]any) int {
	filled := 0
	for _, f := range certificateFields {
		src, dst := f[0], f[1]
		if attrs[dst] != nil {
			continue
		}
		v, ok := cert[src]
		if !ok || v == nil {
			v = cert[dst]
		}
		if v == nil {
			continue
		}
		attrs[dst] = v
		filled++
	}
	return filled
}
