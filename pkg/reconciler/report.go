package reconciler

import (
	"path/filepath"
	"time"

	defs "persistd/definitions"
	"persistd/pkg/fsutil"
)

// EntryResult is the recorded outcome of one rule in one pass.
type EntryResult struct {
	Name          string      `json:"name"`
	EphemeralPath string      `json:"ephemeral_path"`
	DurablePath   string      `json:"durable_path"`
	Mode          Mode        `json:"mode"`
	NeededForBoot bool        `json:"needed_for_boot"`
	State         StateString `json:"state"`
	// Changed is false when the pass found the entry already correct.
	Changed bool   `json:"changed"`
	Reason  string `json:"reason,omitempty"`
}

// Report is the serialized record of a reconciliation pass. It is written
// under the run directory so `persistd status` and downstream tooling can
// inspect what the boot pass did; living on the ephemeral root it cannot
// leak across boots.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	DryRun     bool          `json:"dry_run"`
	Satisfied  bool          `json:"satisfied"`
	Entries    []EntryResult `json:"entries"`
}

func newReport(dryRun bool) *Report {
	return &Report{
		StartedAt: time.Now().UTC(),
		DryRun:    dryRun,
	}
}

func (r *Report) finish() {
	r.FinishedAt = time.Now().UTC()
}

func (r *Report) add(e *Entry, state StateString, changed bool, reason string) {
	r.Entries = append(r.Entries, EntryResult{
		Name:          e.Name,
		EphemeralPath: e.EphemeralPath,
		DurablePath:   e.DurablePath,
		Mode:          e.Mode,
		NeededForBoot: e.NeededForBoot,
		State:         state,
		Changed:       changed,
		Reason:        reason,
	})
}

// Skipped returns the names of entries the pass could not apply.
func (r *Report) Skipped() []string {
	var names []string
	for _, res := range r.Entries {
		if res.State == StateSkipped {
			names = append(names, res.Name)
		}
	}
	return names
}

func (r *Report) Save(dir string) error {
	if err := fsutil.EnsureDir(dir, defs.DirMode); err != nil {
		return err
	}
	return fsutil.SaveJSON(filepath.Join(dir, defs.ReportFile), r)
}

func LoadReport(dir string) (*Report, error) {
	var report Report
	if err := fsutil.LoadJSON(filepath.Join(dir, defs.ReportFile), &report); err != nil {
		return nil, err
	}
	return &report, nil
}
