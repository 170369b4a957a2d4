package dto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/invoice-assist/internal/api/model"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
)

// SubmitResponse is returned with 202 by both submission endpoints.
type SubmitResponse struct {
	JobID   string         `json:"jobId"`
	Status  invoice.Status `json:"status"`
	Message string         `json:"message,omitempty"`
}

type HistoryRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Cursor string `form:"cursor"`
}

// ToStatus converts a job row into the status body.
func ToStatus(job *model.Job) invoice.StatusSnapshot {
	progress := job.Progress
	return invoice.StatusSnapshot{
		JobID:    job.JobID,
		Status:   invoice.Status(job.Status),
		Progress: &progress,
		Error:    job.ErrorMessage,
	}
}

// ToResult converts a completed job row into the results body.
func ToResult(job *model.Job, downloadURL string) (*invoice.ResultPayload, error) {
	var extraction invoice.Extraction
	if job.Result != "" {
		if err := json.Unmarshal([]byte(job.Result), &extraction); err != nil {
			return nil, fmt.Errorf("failed to decode stored result: %w", err)
		}
	}

	payload := &invoice.ResultPayload{
		JobID:      job.JobID,
		Filename:   job.Filename,
		Mode:       invoice.Mode(job.Mode),
		Invoice:    extraction.Invoice,
		Text:       extraction.Text,
		Confidence: extraction.Confidence,
	}
	if job.HasSpreadsheet {
		payload.DownloadURL = downloadURL
	}
	return payload, nil
}

// ToHistory converts a job row into a history entry.
func ToHistory(job *model.Job) invoice.HistoryEntry {
	return invoice.HistoryEntry{
		JobID:     job.JobID,
		Filename:  job.Filename,
		Mode:      invoice.Mode(job.Mode),
		Status:    invoice.Status(job.Status),
		CreatedAt: job.Created(),
		Summary:   summarize(job),
	}
}

// summarize returns "vendor · total currency" for finished excel jobs and the
// error for failed ones.
func summarize(job *model.Job) string {
	switch invoice.Status(job.Status) {
	case invoice.StatusFailed:
		return job.ErrorMessage
	case invoice.StatusComplete:
	default:
		return ""
	}

	var extraction invoice.Extraction
	if err := json.Unmarshal([]byte(job.Result), &extraction); err != nil || extraction.Invoice == nil {
		return ""
	}

	d := extraction.Invoice
	var parts []string
	if d.VendorName != "" {
		parts = append(parts, d.VendorName)
	}
	if d.TotalAmount != "" {
		parts = append(parts, strings.TrimSpace(d.TotalAmount+" "+d.Currency))
	}
	return strings.Join(parts, " · ")
}
