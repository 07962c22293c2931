package domain

import (
	"fmt"
	"slices"
	"time"
)

// JobState enumerates FetchJob lifecycle milestones.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobPartial   JobState = "partial"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobPartial || s == JobFailed
}

// SourceState is the per-source sub-status inside a job.
type SourceState string

const (
	SourcePending SourceState = "pending"
	SourceRunning SourceState = "running"
	SourceOK      SourceState = "ok"
	SourceFailed  SourceState = "failed"
)

// ErrorKind classifies why a source failed.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
	ErrorTimeout   ErrorKind = "timeout"
)

// SourceStatus tracks one source within a cycle.
type SourceStatus struct {
	Source    string      `json:"source"`
	State     SourceState `json:"state"`
	Since     time.Time   `json:"since"`
	Attempts  int         `json:"attempts"`
	Records   int         `json:"records"`
	FromCache bool        `json:"fromCache"`
	ErrorKind ErrorKind   `json:"errorKind,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// FetchJob represents one orchestrated update cycle.
type FetchJob struct {
	ID             string         `json:"id"`
	GroupID        string         `json:"groupId"`
	State          JobState       `json:"state"`
	Sources        []SourceStatus `json:"sources"`
	CreatedAt      time.Time      `json:"createdAt"`
	StartedAt      time.Time      `json:"startedAt,omitzero"`
	FinishedAt     time.Time      `json:"finishedAt,omitzero"`
	NewRecords     int            `json:"newRecords"`
	UpdatedRecords int            `json:"updatedRecords"`
	ScoredRecords  int            `json:"scoredRecords"`
	Error          string         `json:"error,omitempty"`
}

// NewFetchJob creates a pending job with one pending sub-status per source.
func NewFetchJob(id, groupID string, sources []string, now time.Time) FetchJob {
	statuses := make([]SourceStatus, 0, len(sources))
	for _, s := range sources {
		statuses = append(statuses, SourceStatus{Source: s, State: SourcePending})
	}
	return FetchJob{
		ID:        id,
		GroupID:   groupID,
		State:     JobPending,
		Sources:   statuses,
		CreatedAt: now,
	}
}

// Clone returns a snapshot safe to hand to other goroutines.
func (j FetchJob) Clone() FetchJob {
	out := j
	out.Sources = slices.Clone(j.Sources)
	return out
}

// Start moves the job to running and records the since cursor per source.
func (j *FetchJob) Start(now time.Time, cursors map[string]time.Time) error {
	if j.State != JobPending {
		if j.State.Terminal() {
			return ErrJobTerminal
		}
		return fmt.Errorf("cannot start job in state %s", j.State)
	}
	j.State = JobRunning
	j.StartedAt = now
	for i := range j.Sources {
		j.Sources[i].Since = cursors[j.Sources[i].Source]
	}
	return nil
}

// SourceStatus returns the sub-status for source, or nil if the job does not track it.
func (j *FetchJob) SourceStatus(source string) *SourceStatus {
	for i := range j.Sources {
		if j.Sources[i].Source == source {
			return &j.Sources[i]
		}
	}
	return nil
}

// MarkSourceRunning flags that a fetch attempt has begun.
func (j *FetchJob) MarkSourceRunning(source string) error {
	st, err := j.mutableSource(source)
	if err != nil {
		return err
	}
	st.State = SourceRunning
	return nil
}

// MarkSourceOK records a successful fetch and merge for source.
func (j *FetchJob) MarkSourceOK(source string, attempts, records int, fromCache bool) error {
	st, err := j.mutableSource(source)
	if err != nil {
		return err
	}
	st.State = SourceOK
	st.Attempts = attempts
	st.Records = records
	st.FromCache = fromCache
	st.ErrorKind = ""
	st.Error = ""
	return nil
}

// MarkSourceFailed records a failed source with its classification.
func (j *FetchJob) MarkSourceFailed(source string, attempts int, kind ErrorKind, cause error) error {
	st, err := j.mutableSource(source)
	if err != nil {
		return err
	}
	st.State = SourceFailed
	st.Attempts = attempts
	st.ErrorKind = kind
	if cause != nil {
		st.Error = cause.Error()
	}
	return nil
}

// Finish resolves the terminal state from the sub-statuses. Sources still pending or
// running are marked failed with a timeout classification.
func (j *FetchJob) Finish(now time.Time) (JobState, error) {
	if j.State.Terminal() {
		return j.State, ErrJobTerminal
	}
	if j.State != JobRunning {
		return j.State, fmt.Errorf("cannot finish job in state %s", j.State)
	}

	ok, failed := 0, 0
	for i := range j.Sources {
		st := &j.Sources[i]
		switch st.State {
		case SourceOK:
			ok++
		case SourceFailed:
			failed++
		default:
			st.State = SourceFailed
			st.ErrorKind = ErrorTimeout
			if st.Error == "" {
				st.Error = "cycle deadline exceeded"
			}
			failed++
		}
	}

	switch {
	case ok > 0 && failed == 0:
		j.State = JobSucceeded
	case ok > 0:
		j.State = JobPartial
	default:
		j.State = JobFailed
		if len(j.Sources) == 0 && j.Error == "" {
			j.Error = "no sources configured"
		}
	}
	j.FinishedAt = now
	return j.State, nil
}

// Fail forces a running or pending job into the failed state, e.g. on a persistence error.
func (j *FetchJob) Fail(now time.Time, cause error) error {
	if j.State.Terminal() {
		return ErrJobTerminal
	}
	j.State = JobFailed
	j.FinishedAt = now
	if cause != nil {
		j.Error = cause.Error()
	}
	return nil
}

// OKSources lists sources whose sub-status is ok.
func (j FetchJob) OKSources() []string {
	var out []string
	for _, st := range j.Sources {
		if st.State == SourceOK {
			out = append(out, st.Source)
		}
	}
	return out
}

func (j *FetchJob) mutableSource(source string) (*SourceStatus, error) {
	if j.State.Terminal() {
		return nil, ErrJobTerminal
	}
	st := j.SourceStatus(source)
	if st == nil {
		return nil, fmt.Errorf("source %s is not part of job %s", source, j.ID)
	}
	return st, nil
}
