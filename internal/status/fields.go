package status

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DepositField is a key of the deposit record.
type DepositField string

const (
	FieldState              DepositField = "state"
	FieldAction             DepositField = "action"
	FieldDepositor          DepositField = "depositor"
	FieldDepositorEmail     DepositField = "depositorEmail"
	FieldPackagingType      DepositField = "packagingType"
	FieldMethod             DepositField = "depositMethod"
	FieldPriority           DepositField = "priority"
	FieldCreateTime         DepositField = "createTime"
	FieldStartTime          DepositField = "startTime"
	FieldEndTime            DepositField = "endTime"
	FieldSubmitTime         DepositField = "submitTime"
	FieldWorkDir            DepositField = "workDir"
	FieldLock               DepositField = "lock"
	FieldIngestedObjects    DepositField = "ingestedObjects"
	FieldErrorMessage       DepositField = "errorMessage"
	FieldStaffOnly          DepositField = "staffOnly"
	FieldOverrideTimestamps DepositField = "overrideTimestamps"
	FieldExcludeRecord      DepositField = "excludeDepositRecord"
	FieldCreateParentFolder DepositField = "createParentFolder"
	FieldCurrentJob         DepositField = "currentJob"
	FieldCleanup            DepositField = "cleanup"
	FieldUsername           DepositField = "username"
	FieldNotified           DepositField = "notified"
)

var depositFields = []DepositField{
	FieldState, FieldAction, FieldDepositor, FieldDepositorEmail,
	FieldPackagingType, FieldMethod, FieldPriority, FieldCreateTime,
	FieldStartTime, FieldEndTime, FieldSubmitTime, FieldWorkDir,
	FieldLock, FieldIngestedObjects, FieldErrorMessage, FieldStaffOnly,
	FieldOverrideTimestamps, FieldExcludeRecord, FieldCreateParentFolder,
	FieldCurrentJob, FieldCleanup, FieldUsername, FieldNotified,
}

// DepositFieldNames returns the closed set of deposit record keys.
func DepositFieldNames() []DepositField {
	return append([]DepositField(nil), depositFields...)
}

// Valid reports whether f belongs to the deposit field enumeration.
func (f DepositField) Valid() bool {
	for _, known := range depositFields {
		if known == f {
			return true
		}
	}
	return false
}

// JobField is a key of the job record.
type JobField string

const (
	JobFieldName      JobField = "name"
	JobFieldStatus    JobField = "status"
	JobFieldMessage   JobField = "message"
	JobFieldStartTime JobField = "startTime"
	JobFieldEndTime   JobField = "endTime"
	JobFieldOptions   JobField = "options"
	JobFieldNum       JobField = "num"
	JobFieldTotal     JobField = "total"
	JobFieldAttempts  JobField = "attempts"
	JobFieldWorker    JobField = "worker"
	JobFieldSequence  JobField = "seq"
)

var jobFields = []JobField{
	JobFieldName, JobFieldStatus, JobFieldMessage, JobFieldStartTime, JobFieldEndTime,
	JobFieldOptions, JobFieldNum, JobFieldTotal, JobFieldAttempts, JobFieldWorker, JobFieldSequence,
}

// JobFieldNames returns the closed set of job record keys.
func JobFieldNames() []JobField {
	return append([]JobField(nil), jobFields...)
}

// Valid reports whether f belongs to the job field enumeration.
func (f JobField) Valid() bool {
	for _, known := range jobFields {
		if known == f {
			return true
		}
	}
	return false
}

// PipelineField is a key of the singleton pipeline record.
type PipelineField string

const (
	PipelineFieldState     PipelineField = "state"
	PipelineFieldAction    PipelineField = "action"
	PipelineFieldUpdatedAt PipelineField = "updatedAt"
	PipelineFieldUpdatedBy PipelineField = "updatedBy"
)

// Valid reports whether f belongs to the pipeline field enumeration.
func (f PipelineField) Valid() bool {
	switch f {
	case PipelineFieldState, PipelineFieldAction, PipelineFieldUpdatedAt, PipelineFieldUpdatedBy:
		return true
	default:
		return false
	}
}

// DepositFields is a deposit record or a partial update of one.
type DepositFields map[DepositField]string

// JobFields is a job record or a partial update of one.
type JobFields map[JobField]string

// PipelineFields is the pipeline record or a partial update of it.
type PipelineFields map[PipelineField]string

// Validate rejects keys outside the enumeration.
func (f DepositFields) Validate() error {
	for key := range f {
		if !key.Valid() {
			return fmt.Errorf("%w: deposit field %q", ErrUnknownField, key)
		}
	}
	return nil
}

// Validate rejects keys outside the enumeration.
func (f JobFields) Validate() error {
	for key := range f {
		if !key.Valid() {
			return fmt.Errorf("%w: job field %q", ErrUnknownField, key)
		}
	}
	return nil
}

// Validate rejects keys outside the enumeration.
func (f PipelineFields) Validate() error {
	for key := range f {
		if !key.Valid() {
			return fmt.Errorf("%w: pipeline field %q", ErrUnknownField, key)
		}
	}
	return nil
}

func (f DepositFields) State() DepositState { return DepositState(f[FieldState]) }

func (f DepositFields) Priority() Priority {
	p, err := ParsePriority(f[FieldPriority])
	if err != nil {
		return PriorityNormal
	}
	return p
}

func (f DepositFields) Bool(key DepositField) bool { return parseBool(f[key]) }

func (f DepositFields) Int(key DepositField) int64 { return parseInt(f[key]) }

func (f DepositFields) Time(key DepositField) time.Time { return ParseTime(f[key]) }

func (f JobFields) Status() JobStatus { return JobStatus(f[JobFieldStatus]) }

func (f JobFields) Int(key JobField) int64 { return parseInt(f[key]) }

func (f JobFields) Time(key JobField) time.Time { return ParseTime(f[key]) }

func (f PipelineFields) State() PipelineState { return PipelineState(f[PipelineFieldState]) }

func (f PipelineFields) Action() PipelineAction { return PipelineAction(f[PipelineFieldAction]) }

// FormatTime renders timestamps the way every backend stores them.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime returns the zero time for empty or malformed values.
func ParseTime(value string) time.Time {
	if strings.TrimSpace(value) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatBool renders flags the way every backend stores them.
func FormatBool(v bool) string {
	return strconv.FormatBool(v)
}

func parseBool(value string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && v
}

func parseInt(value string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
