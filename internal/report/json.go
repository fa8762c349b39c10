package report

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONEmitter writes {"reports": [...]} with period bounds as YYYY-MM-DD.
type JSONEmitter struct {
	Indent string
}

func (JSONEmitter) Ext() string { return ".json" }

type jsonPeriod struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Start      string `json:"start"`
	End        string `json:"end"`
	InProgress bool   `json:"in_progress"`
}

type jsonReport struct {
	Report
	Period jsonPeriod `json:"period"`
}

func (e JSONEmitter) Emit(w io.Writer, reports ...Report) error {
	doc := struct {
		Reports []jsonReport `json:"reports"`
	}{Reports: make([]jsonReport, 0, len(reports))}

	for _, r := range reports {
		doc.Reports = append(doc.Reports, jsonReport{
			Report: r,
			Period: jsonPeriod{
				ID:         r.Period.ID(),
				Kind:       string(r.Period.Kind),
				Start:      r.Period.StartString(),
				End:        r.Period.EndString(),
				InProgress: r.Period.InProgress,
			},
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", e.Indent)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}
