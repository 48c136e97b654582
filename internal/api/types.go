package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Deposit describes a deposit in a transport-friendly format.
type Deposit struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	Action          string `json:"action,omitempty"`
	Depositor       string `json:"depositor,omitempty"`
	DepositorEmail  string `json:"depositorEmail,omitempty"`
	PackagingType   string `json:"packagingType,omitempty"`
	Method          string `json:"depositMethod,omitempty"`
	Priority        string `json:"priority"`
	Username        string `json:"username,omitempty"`
	CurrentJob      string `json:"currentJob,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	IngestedObjects int64  `json:"ingestedObjects"`
	Cleanup         string `json:"cleanup,omitempty"`
	Locked          bool   `json:"locked"`
	CreatedAt       string `json:"createdAt,omitempty"`
	SubmittedAt     string `json:"submittedAt,omitempty"`
	StartedAt       string `json:"startedAt,omitempty"`
	EndedAt         string `json:"endedAt,omitempty"`
	Jobs            []Job  `json:"jobs,omitempty"`
}

// Job describes one job record of a deposit.
type Job struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Label     string      `json:"label"`
	Status    string      `json:"status"`
	Progress  JobProgress `json:"progress"`
	Attempts  int64       `json:"attempts"`
	Worker    string      `json:"worker,omitempty"`
	Message   string      `json:"message,omitempty"`
	StartedAt string      `json:"startedAt,omitempty"`
	EndedAt   string      `json:"endedAt,omitempty"`
}

// JobProgress captures the click counters of a job.
type JobProgress struct {
	Num     int64   `json:"num"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

// PipelineStatus summarizes the pipeline record.
type PipelineStatus struct {
	State       string         `json:"state"`
	Action      string         `json:"action,omitempty"`
	UpdatedAt   string         `json:"updatedAt,omitempty"`
	UpdatedBy   string         `json:"updatedBy,omitempty"`
	Running     bool           `json:"running"`
	Deposits    map[string]int `json:"deposits"`
	WorkingJobs int            `json:"workingJobs"`
}

// JobHealth mirrors readiness reporting for registered jobs.
type JobHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	WorkerID     string         `json:"workerId"`
	ActiveJobs   int            `json:"activeJobs"`
	StoreBackend string         `json:"storeBackend"`
	BusBackend   string         `json:"busBackend"`
	LockFilePath string         `json:"lockFilePath"`
	Pipeline     PipelineStatus `json:"pipeline"`
	JobHealth    []JobHealth    `json:"jobHealth"`
}

// DepositListResponse wraps a collection of deposits.
type DepositListResponse struct {
	Deposits []Deposit `json:"deposits"`
}

// DepositResponse wraps a single deposit.
type DepositResponse struct {
	Deposit Deposit `json:"deposit"`
}

// RegisterRequest is the intake payload for a new deposit. ID is generated
// when empty.
type RegisterRequest struct {
	ID                 string   `json:"id,omitempty"`
	Depositor          string   `json:"depositor"`
	DepositorEmail     string   `json:"depositorEmail,omitempty"`
	PackagingType      string   `json:"packagingType,omitempty"`
	Method             string   `json:"depositMethod,omitempty"`
	Priority           string   `json:"priority,omitempty"`
	StagedFiles        []string `json:"stagedFiles"`
	StaffOnly          bool     `json:"staffOnly,omitempty"`
	OverrideTimestamps bool     `json:"overrideTimestamps,omitempty"`
	ExcludeRecord      bool     `json:"excludeDepositRecord,omitempty"`
	CreateParentFolder bool     `json:"createParentFolder,omitempty"`
}

// AcceptedResponse reports a published operation or pipeline message.
type AcceptedResponse struct {
	ID      string `json:"id,omitempty"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
