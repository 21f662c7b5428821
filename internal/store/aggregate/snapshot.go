package aggregate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ndhoang/lanerun/internal/core/domain"
)

const (
	snapshotFormat  = "lanerun-aggregate"
	snapshotVersion = 1
)

// snapshot is the persisted store state: one column-oriented record set
// of summary rows plus the applied-task-id sets used for idempotent
// merges. The document is self-describing (format + version) so analytics
// tooling can consume it without out-of-band schema knowledge.
type snapshot struct {
	Format           string    `json:"format"`
	Version          int       `json:"version"`
	LastUpdated      time.Time `json:"last_updated"`
	AppliedTaskCount int       `json:"applied_task_count"`
	Columns          columns   `json:"columns"`

	// Applied maps group key → sorted task ids already folded into that
	// group's row. Persisted alongside the aggregate so a replayed batch
	// cannot double count.
	Applied map[string][]string `json:"applied"`
}

// columns holds the summary rows column-by-column. Index i across all
// slices forms one row.
type columns struct {
	Model      []string `json:"model"`
	Variant    []string `json:"variant"`
	Difficulty []string `json:"difficulty"`
	TaskType   []string `json:"task_type"`

	Total   []int `json:"total"`
	Success []int `json:"success"`
	Partial []int `json:"partial"`
	Failure []int `json:"failure"`

	SuccessRate []float64 `json:"success_rate"`
	FailureRate []float64 `json:"failure_rate"`

	LatencyMeanS []float64 `json:"latency_mean_s"`
	QualityMean  []float64 `json:"quality_mean"`
	QualityCount []int     `json:"quality_count"`

	ErrorKinds []map[domain.ErrorKind]int `json:"error_kinds"`

	RowUpdated []time.Time `json:"row_updated"`
}

func emptySnapshot() *snapshot {
	return &snapshot{
		Format:  snapshotFormat,
		Version: snapshotVersion,
		Applied: make(map[string][]string),
	}
}

// rows converts the columnar document into aggregate rows keyed by group.
func (s *snapshot) rows() (map[string]*domain.SummaryAggregate, error) {
	n := len(s.Columns.Model)
	out := make(map[string]*domain.SummaryAggregate, n)

	for i := 0; i < n; i++ {
		key := domain.GroupKey{
			Model:      s.Columns.Model[i],
			Variant:    s.Columns.Variant[i],
			Difficulty: s.Columns.Difficulty[i],
			TaskType:   s.Columns.TaskType[i],
		}
		agg := &domain.SummaryAggregate{
			GroupKey:     key,
			Total:        s.Columns.Total[i],
			Success:      s.Columns.Success[i],
			Partial:      s.Columns.Partial[i],
			Failure:      s.Columns.Failure[i],
			LatencyMean:  s.Columns.LatencyMeanS[i],
			QualityMean:  s.Columns.QualityMean[i],
			QualityCount: s.Columns.QualityCount[i],
			ErrorKinds:   make(map[domain.ErrorKind]int, len(s.Columns.ErrorKinds[i])),
			LastUpdated:  s.Columns.RowUpdated[i],
		}
		for k, v := range s.Columns.ErrorKinds[i] {
			agg.ErrorKinds[k] = v
		}
		if _, dup := out[key.String()]; dup {
			return nil, fmt.Errorf("aggregate: duplicate row for group %s", key)
		}
		out[key.String()] = agg
	}
	return out, nil
}

// fromRows rebuilds the columnar document from rows, ordered by group key
// so the snapshot bytes are deterministic.
func (s *snapshot) fromRows(rows map[string]*domain.SummaryAggregate) {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := columns{}
	for _, k := range keys {
		agg := rows[k]
		c.Model = append(c.Model, agg.GroupKey.Model)
		c.Variant = append(c.Variant, agg.GroupKey.Variant)
		c.Difficulty = append(c.Difficulty, agg.GroupKey.Difficulty)
		c.TaskType = append(c.TaskType, agg.GroupKey.TaskType)
		c.Total = append(c.Total, agg.Total)
		c.Success = append(c.Success, agg.Success)
		c.Partial = append(c.Partial, agg.Partial)
		c.Failure = append(c.Failure, agg.Failure)
		c.SuccessRate = append(c.SuccessRate, agg.SuccessRate())
		c.FailureRate = append(c.FailureRate, agg.FailureRate())
		c.LatencyMeanS = append(c.LatencyMeanS, agg.LatencyMean)
		c.QualityMean = append(c.QualityMean, agg.QualityMean)
		c.QualityCount = append(c.QualityCount, agg.QualityCount)
		kinds := make(map[domain.ErrorKind]int, len(agg.ErrorKinds))
		for kind, v := range agg.ErrorKinds {
			kinds[kind] = v
		}
		c.ErrorKinds = append(c.ErrorKinds, kinds)
		c.RowUpdated = append(c.RowUpdated, agg.LastUpdated)
	}
	s.Columns = c

	total := 0
	for _, ids := range s.Applied {
		total += len(ids)
	}
	s.AppliedTaskCount = total
}

// validate checks the document shape before it is trusted.
func (s *snapshot) validate() error {
	if s.Format != snapshotFormat {
		return fmt.Errorf("aggregate: unexpected snapshot format %q", s.Format)
	}
	if s.Version != snapshotVersion {
		return fmt.Errorf("aggregate: unsupported snapshot version %d", s.Version)
	}
	n := len(s.Columns.Model)
	same := n == len(s.Columns.Variant) && n == len(s.Columns.Difficulty) &&
		n == len(s.Columns.TaskType) && n == len(s.Columns.Total) &&
		n == len(s.Columns.Success) && n == len(s.Columns.Partial) &&
		n == len(s.Columns.Failure) && n == len(s.Columns.SuccessRate) &&
		n == len(s.Columns.FailureRate) && n == len(s.Columns.LatencyMeanS) &&
		n == len(s.Columns.QualityMean) && n == len(s.Columns.QualityCount) &&
		n == len(s.Columns.ErrorKinds) && n == len(s.Columns.RowUpdated)
	if !same {
		return fmt.Errorf("aggregate: snapshot columns have uneven lengths")
	}
	return nil
}

// Row is the row-oriented interchange record, one JSON object per line.
// It carries every summary field plus the applied task ids for its group
// so the columnar snapshot can be reconstructed losslessly.
type Row struct {
	Model      string `json:"model"`
	Variant    string `json:"variant"`
	Difficulty string `json:"difficulty"`
	TaskType   string `json:"task_type"`

	Total   int `json:"total"`
	Success int `json:"success"`
	Partial int `json:"partial"`
	Failure int `json:"failure"`

	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`

	LatencyMeanS float64 `json:"latency_mean_s"`
	QualityMean  float64 `json:"quality_mean"`
	QualityCount int     `json:"quality_count"`

	ErrorKinds map[domain.ErrorKind]int `json:"error_kinds"`

	RowUpdated     time.Time `json:"row_updated"`
	AppliedTaskIDs []string  `json:"applied_task_ids"`
}

// exportRows writes the snapshot as JSONL, one row per group, ordered by
// group key.
func (s *snapshot) exportRows(w io.Writer) error {
	n := len(s.Columns.Model)
	enc := json.NewEncoder(w)

	for i := 0; i < n; i++ {
		key := domain.GroupKey{
			Model:      s.Columns.Model[i],
			Variant:    s.Columns.Variant[i],
			Difficulty: s.Columns.Difficulty[i],
			TaskType:   s.Columns.TaskType[i],
		}
		row := Row{
			Model:          key.Model,
			Variant:        key.Variant,
			Difficulty:     key.Difficulty,
			TaskType:       key.TaskType,
			Total:          s.Columns.Total[i],
			Success:        s.Columns.Success[i],
			Partial:        s.Columns.Partial[i],
			Failure:        s.Columns.Failure[i],
			SuccessRate:    s.Columns.SuccessRate[i],
			FailureRate:    s.Columns.FailureRate[i],
			LatencyMeanS:   s.Columns.LatencyMeanS[i],
			QualityMean:    s.Columns.QualityMean[i],
			QualityCount:   s.Columns.QualityCount[i],
			ErrorKinds:     s.Columns.ErrorKinds[i],
			RowUpdated:     s.Columns.RowUpdated[i],
			AppliedTaskIDs: s.Applied[key.String()],
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("aggregate: export row %d: %w", i, err)
		}
	}
	return nil
}

// importRows rebuilds a snapshot from the JSONL interchange form.
func importRows(r io.Reader) (*snapshot, error) {
	s := emptySnapshot()
	rows := make(map[string]*domain.SummaryAggregate)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("aggregate: import line %d: %w", line, err)
		}
		key := domain.GroupKey{
			Model:      row.Model,
			Variant:    row.Variant,
			Difficulty: row.Difficulty,
			TaskType:   row.TaskType,
		}
		agg := &domain.SummaryAggregate{
			GroupKey:     key,
			Total:        row.Total,
			Success:      row.Success,
			Partial:      row.Partial,
			Failure:      row.Failure,
			LatencyMean:  row.LatencyMeanS,
			QualityMean:  row.QualityMean,
			QualityCount: row.QualityCount,
			ErrorKinds:   row.ErrorKinds,
			LastUpdated:  row.RowUpdated,
		}
		if agg.ErrorKinds == nil {
			agg.ErrorKinds = make(map[domain.ErrorKind]int)
		}
		rows[key.String()] = agg
		if len(row.AppliedTaskIDs) > 0 {
			ids := make([]string, len(row.AppliedTaskIDs))
			copy(ids, row.AppliedTaskIDs)
			sort.Strings(ids)
			s.Applied[key.String()] = ids
		}
		if row.RowUpdated.After(s.LastUpdated) {
			s.LastUpdated = row.RowUpdated
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("aggregate: import scan: %w", err)
	}

	s.fromRows(rows)
	return s, nil
}
