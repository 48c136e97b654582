package api

import (
	"errors"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"accession/internal/jobs"
	"accession/internal/messages"
	"accession/internal/staging"
	"accession/internal/status"
	"accession/internal/supervisor"
)

// FromDeposit converts a deposit record and its jobs to the API shape.
func FromDeposit(id string, fields status.DepositFields, records []status.JobRecord) Deposit {
	dto := Deposit{
		ID:              id,
		State:           string(fields.State()),
		Action:          fields[status.FieldAction],
		Depositor:       fields[status.FieldDepositor],
		DepositorEmail:  fields[status.FieldDepositorEmail],
		PackagingType:   fields[status.FieldPackagingType],
		Method:          fields[status.FieldMethod],
		Priority:        string(fields.Priority()),
		Username:        fields[status.FieldUsername],
		CurrentJob:      fields[status.FieldCurrentJob],
		ErrorMessage:    fields[status.FieldErrorMessage],
		IngestedObjects: fields.Int(status.FieldIngestedObjects),
		Cleanup:         fields[status.FieldCleanup],
		Locked:          fields[status.FieldLock] != "",
		CreatedAt:       formatTime(fields.Time(status.FieldCreateTime)),
		SubmittedAt:     formatTime(fields.Time(status.FieldSubmitTime)),
		StartedAt:       formatTime(fields.Time(status.FieldStartTime)),
		EndedAt:         formatTime(fields.Time(status.FieldEndTime)),
	}
	if len(records) > 0 {
		dto.Jobs = make([]Job, 0, len(records))
		for _, rec := range records {
			dto.Jobs = append(dto.Jobs, FromJob(rec))
		}
	}
	return dto
}

// FromJob converts a job record.
func FromJob(rec status.JobRecord) Job {
	name := rec.Fields[status.JobFieldName]
	num, total := rec.Fields.Int(status.JobFieldNum), rec.Fields.Int(status.JobFieldTotal)
	progress := JobProgress{Num: num, Total: total}
	if total > 0 {
		progress.Percent = float64(min(num, total)) * 100 / float64(total)
	}
	if rec.Fields.Status() == status.JobCompleted {
		progress.Percent = 100
	}
	return Job{
		ID:        rec.ID,
		Name:      name,
		Label:     JobLabel(name),
		Status:    string(rec.Fields.Status()),
		Progress:  progress,
		Attempts:  rec.Fields.Int(status.JobFieldAttempts),
		Worker:    rec.Fields[status.JobFieldWorker],
		Message:   rec.Fields[status.JobFieldMessage],
		StartedAt: formatTime(rec.Fields.Time(status.JobFieldStartTime)),
		EndedAt:   formatTime(rec.Fields.Time(status.JobFieldEndTime)),
	}
}

var titleCaser = cases.Title(language.Und)

// JobLabel renders a registry name such as "write-manifest" for people.
func JobLabel(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	})
	if len(words) == 0 {
		return name
	}
	return titleCaser.String(strings.Join(words, " "))
}

// FromSummary converts a supervisor summary.
func FromSummary(summary supervisor.Summary) PipelineStatus {
	counts := make(map[string]int, len(summary.Deposits))
	for state, n := range summary.Deposits {
		counts[string(state)] = n
	}
	return PipelineStatus{
		State:       string(summary.State),
		Action:      string(summary.Action),
		UpdatedAt:   formatTime(status.ParseTime(summary.UpdatedAt)),
		UpdatedBy:   summary.UpdatedBy,
		Running:     summary.Running,
		Deposits:    counts,
		WorkingJobs: summary.WorkingJobs,
	}
}

// FromHealth converts job readiness in name order.
func FromHealth(health []jobs.Health) []JobHealth {
	out := make([]JobHealth, 0, len(health))
	for _, h := range health {
		out = append(out, JobHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	slices.SortFunc(out, func(a, b JobHealth) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// ErrInvalidRequest marks a malformed intake payload.
var ErrInvalidRequest = errors.New("invalid request")

// Validate checks the intake payload.
func (r RegisterRequest) Validate() error {
	if r.ID != "" {
		if err := staging.ValidateDepositID(r.ID); err != nil {
			return errors.Join(ErrInvalidRequest, err)
		}
	}
	if strings.TrimSpace(r.Depositor) == "" {
		return errors.Join(ErrInvalidRequest, errors.New("depositor is required"))
	}
	if len(r.StagedFiles) == 0 {
		return errors.Join(ErrInvalidRequest, errors.New("at least one staged file is required"))
	}
	if _, err := status.ParsePriority(r.Priority); err != nil {
		return errors.Join(ErrInvalidRequest, err)
	}
	return nil
}

// Body renders the payload as a REGISTER operation body.
func (r RegisterRequest) Body() map[string]string {
	body := map[string]string{
		string(status.FieldDepositor): strings.TrimSpace(r.Depositor),
		messages.BodyStagedFiles:      strings.Join(r.StagedFiles, "\n"),
	}
	optional := map[status.DepositField]string{
		status.FieldDepositorEmail: r.DepositorEmail,
		status.FieldPackagingType:  r.PackagingType,
		status.FieldMethod:         r.Method,
		status.FieldPriority:       r.Priority,
	}
	for field, value := range optional {
		if value = strings.TrimSpace(value); value != "" {
			body[string(field)] = value
		}
	}
	flags := map[status.DepositField]bool{
		status.FieldStaffOnly:          r.StaffOnly,
		status.FieldOverrideTimestamps: r.OverrideTimestamps,
		status.FieldExcludeRecord:      r.ExcludeRecord,
		status.FieldCreateParentFolder: r.CreateParentFolder,
	}
	for field, set := range flags {
		if set {
			body[string(field)] = status.FormatBool(true)
		}
	}
	return body
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
