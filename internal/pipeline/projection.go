package pipeline

import (
	"time"

	"github.com/KaramelBytes/analyzethis/internal/export"
	"github.com/KaramelBytes/analyzethis/internal/prompt"
	"github.com/KaramelBytes/analyzethis/internal/store"
	"github.com/KaramelBytes/analyzethis/internal/utils"
)

// exportedAnalysis is the json export of a reported analysis.
type exportedAnalysis struct {
	Title          string             `json:"title"`
	Description    string             `json:"description,omitempty"`
	Dataset        store.Dataset      `json:"dataset"`
	Annotations    prompt.Annotations `json:"annotations"`
	Question       string             `json:"question"`
	EnhancedPrompt string             `json:"enhanced_prompt"`
	ReportPrompt   string             `json:"report_prompt"`
	Report         string             `json:"report"`
	Model          string             `json:"model,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	GeneratedAt    *time.Time         `json:"generated_at,omitempty"`
}

func exportJSON(a *store.Analysis) (*export.Result, error) {
	ds := a.Dataset
	// The storage key is an internal detail.
	ds.Path = ""
	ann := a.Annotations
	if ann == nil {
		ann = prompt.Annotations{}
	}
	data, err := utils.PrettyJSON(exportedAnalysis{
		Title:          a.Title,
		Description:    a.Description,
		Dataset:        ds,
		Annotations:    ann,
		Question:       a.RawPrompt,
		EnhancedPrompt: a.EnhancedPrompt,
		ReportPrompt:   a.ReportPrompt,
		Report:         a.Report,
		Model:          a.ReportModel,
		CreatedAt:      a.CreatedAt,
		GeneratedAt:    a.GeneratedAt,
	})
	if err != nil {
		return nil, err
	}
	return &export.Result{
		Outcome: export.OutcomeFile,
		File: export.File{
			Name:        "analysis_" + a.ID + ".json",
			ContentType: "application/json",
			Data:        data,
		},
	}, nil
}
