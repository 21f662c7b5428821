package domain

import "time"

// SummaryAggregate is one summary row per group key. Rows are only ever
// merged forward; they are never deleted.
type SummaryAggregate struct {
	GroupKey GroupKey `json:"group_key"`

	Total   int `json:"total"`
	Success int `json:"success"`
	Partial int `json:"partial"`
	Failure int `json:"failure"`

	// Running means, maintained incrementally so a merge never needs the
	// full history. LatencyMean is in seconds. QualityCount tracks how
	// many results carried a quality score.
	LatencyMean  float64 `json:"latency_mean_s"`
	QualityMean  float64 `json:"quality_mean"`
	QualityCount int     `json:"quality_count"`

	ErrorKinds map[ErrorKind]int `json:"error_kinds"`

	LastUpdated time.Time `json:"last_updated"`
}

// NewSummaryAggregate returns an empty row for a group.
func NewSummaryAggregate(key GroupKey) *SummaryAggregate {
	return &SummaryAggregate{
		GroupKey:   key,
		ErrorKinds: make(map[ErrorKind]int),
	}
}

// Apply folds one result into the row using incremental-mean updates.
// The caller is responsible for de-duplication; Apply itself counts
// whatever it is given.
func (a *SummaryAggregate) Apply(rec ResultRecord) {
	a.Total++

	switch rec.Status {
	case StatusSuccess:
		a.Success++
	case StatusPartial:
		a.Partial++
	case StatusFailure:
		a.Failure++
	}

	if rec.ErrorKind != "" {
		if a.ErrorKinds == nil {
			a.ErrorKinds = make(map[ErrorKind]int)
		}
		a.ErrorKinds[rec.ErrorKind]++
	}

	a.LatencyMean += (rec.Latency.Seconds() - a.LatencyMean) / float64(a.Total)

	if rec.Quality != nil {
		a.QualityCount++
		a.QualityMean += (*rec.Quality - a.QualityMean) / float64(a.QualityCount)
	}

	if rec.Timestamp.After(a.LastUpdated) {
		a.LastUpdated = rec.Timestamp
	}
}

// SuccessRate returns success/total, or 0 for an empty row.
func (a *SummaryAggregate) SuccessRate() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Success) / float64(a.Total)
}

// FailureRate returns failure/total, or 0 for an empty row.
func (a *SummaryAggregate) FailureRate() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Failure) / float64(a.Total)
}

// Clone returns a deep copy, so callers can hand rows out without
// exposing the store's internal state.
func (a *SummaryAggregate) Clone() *SummaryAggregate {
	c := *a
	c.ErrorKinds = make(map[ErrorKind]int, len(a.ErrorKinds))
	for k, v := range a.ErrorKinds {
		c.ErrorKinds[k] = v
	}
	return &c
}
