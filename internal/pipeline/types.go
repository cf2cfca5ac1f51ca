package pipeline

import (
	"time"

	"github.com/ajitpratap0/wbingest/pkg/provision"
	"github.com/ajitpratap0/wbingest/pkg/worldbank"
)

// State is a step of a run.
type State string

// Run states, in order. A run ends in StateDone or StateAborted.
const (
	StateStart         State = "START"
	StateProvisioned   State = "PROVISIONED"
	StateReady         State = "READY"
	StateSchemaCreated State = "SCHEMA_CREATED"
	StatePage          State = "PAGE"
	StateDone          State = "DONE"
	StateAborted       State = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Page outcome statuses
const (
	PageLoaded      = "loaded"
	PageFetchFailed = "fetch_failed"
	PageLoadFailed  = "load_failed"
)

// PageOutcome records what happened to one page.
type PageOutcome struct {
	Page     int                   `json:"page"`
	Status   string                `json:"status"`
	Records  int                   `json:"records"`
	Inserted int                   `json:"inserted"`
	Failed   []worldbank.RecordKey `json:"failed,omitempty"`
	Error    string                `json:"error,omitempty"`
	Duration time.Duration         `json:"duration"`
}

// Report summarizes a run. On cancellation or abort it holds whatever was
// completed.
type Report struct {
	RunID   string                   `json:"run_id"`
	State   State                    `json:"state"`
	Service *provision.ServiceHandle `json:"service,omitempty"`

	// FirstPage and LastPage bound the page range learned from page 1
	FirstPage int `json:"first_page"`
	LastPage  int `json:"last_page"`

	Pages           []PageOutcome `json:"pages"`
	RecordsFetched  int           `json:"records_fetched"`
	RecordsInserted int           `json:"records_inserted"`
	FailedPages     []int         `json:"failed_pages,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Succeeded reports whether the run reached DONE without a failed page.
func (r *Report) Succeeded() bool {
	return r.State == StateDone && len(r.FailedPages) == 0
}

func (r *Report) addPage(o PageOutcome) {
	r.Pages = append(r.Pages, o)
	r.RecordsFetched += o.Records
	r.RecordsInserted += o.Inserted
	if o.Status != PageLoaded {
		r.FailedPages = append(r.FailedPages, o.Page)
	}
}
