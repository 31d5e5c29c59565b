// Package baseline persists probe snapshots and computes drift between runs.
// A snapshot records what a target exposed and how its probes went; diffing
// two snapshots shows what changed since the last run.
package baseline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ToolRecord captures one tool's identity. SchemaHash is a digest of the
// input schema so schema churn is detected without storing the schema.
type ToolRecord struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SchemaHash  string `json:"schema_hash,omitempty"`
}

// TargetRecord is the per-target slice of a snapshot.
type TargetRecord struct {
	Name          string        `json:"name"`
	Transport     string        `json:"transport"`
	ServerName    string        `json:"server_name,omitempty"`
	ServerVersion string        `json:"server_version,omitempty"`
	Reachable     bool          `json:"reachable"`
	Error         string        `json:"error,omitempty"`
	Tools         []ToolRecord  `json:"tools,omitempty"`
	Prompts       []string      `json:"prompts,omitempty"`
	Resources     []string      `json:"resources,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Snapshot is one complete probe run.
type Snapshot struct {
	RunID     string         `json:"run_id"`
	StartTime time.Time      `json:"start_time"`
	Targets   []TargetRecord `json:"targets"`
}

// NewSnapshot starts an empty snapshot with a fresh run id.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		RunID:     uuid.NewString(),
		StartTime: time.Now().UTC(),
	}
}

// HashSchema digests a tool input schema for drift comparison.
func HashSchema(schema []byte) string {
	if len(schema) == 0 {
		return ""
	}
	sum := sha256.Sum256(schema)
	return hex.EncodeToString(sum[:8])
}

// Save writes the snapshot as indented JSON.
func (s *Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &s, nil
}

// TargetDrift describes how one target changed between two snapshots.
type TargetDrift struct {
	Target          string   `json:"target"`
	Appeared        bool     `json:"appeared,omitempty"`
	Disappeared     bool     `json:"disappeared,omitempty"`
	BecameHealthy   bool     `json:"became_healthy,omitempty"`
	BecameUnhealthy bool     `json:"became_unhealthy,omitempty"`
	NewTools        []string `json:"new_tools,omitempty"`
	RemovedTools    []string `json:"removed_tools,omitempty"`
	ChangedSchemas  []string `json:"changed_schemas,omitempty"`
}

// Changed reports whether anything actually drifted.
func (d TargetDrift) Changed() bool {
	return d.Appeared || d.Disappeared || d.BecameHealthy || d.BecameUnhealthy ||
		len(d.NewTools) > 0 || len(d.RemovedTools) > 0 || len(d.ChangedSchemas) > 0
}

// DriftReport is the full comparison of two snapshots.
type DriftReport struct {
	BeforeRun string        `json:"before_run"`
	AfterRun  string        `json:"after_run"`
	Drifts    []TargetDrift `json:"drifts,omitempty"`
}

// Clean reports whether nothing drifted.
func (r *DriftReport) Clean() bool {
	return len(r.Drifts) == 0
}

// Diff compares two snapshots target by target. Targets are matched by name;
// the output is sorted for stable reporting.
func Diff(before, after *Snapshot) *DriftReport {
	report := &DriftReport{BeforeRun: before.RunID, AfterRun: after.RunID}

	prev := map[string]TargetRecord{}
	for _, t := range before.Targets {
		prev[t.Name] = t
	}
	seen := map[string]bool{}

	for _, cur := range after.Targets {
		seen[cur.Name] = true
		old, existed := prev[cur.Name]
		if !existed {
			report.add(TargetDrift{Target: cur.Name, Appeared: true})
			continue
		}
		d := TargetDrift{Target: cur.Name}
		if old.Reachable && !cur.Reachable {
			d.BecameUnhealthy = true
		}
		if !old.Reachable && cur.Reachable {
			d.BecameHealthy = true
		}
		diffTools(&d, old.Tools, cur.Tools)
		report.add(d)
	}

	for name := range prev {
		if !seen[name] {
			report.add(TargetDrift{Target: name, Disappeared: true})
		}
	}

	sort.Slice(report.Drifts, func(i, j int) bool {
		return report.Drifts[i].Target < report.Drifts[j].Target
	})
	return report
}

func (r *DriftReport) add(d TargetDrift) {
	if d.Changed() {
		r.Drifts = append(r.Drifts, d)
	}
}

func diffTools(d *TargetDrift, before, after []ToolRecord) {
	prev := map[string]ToolRecord{}
	for _, t := range before {
		prev[t.Name] = t
	}
	seen := map[string]bool{}

	for _, cur := range after {
		seen[cur.Name] = true
		old, existed := prev[cur.Name]
		switch {
		case !existed:
			d.NewTools = append(d.NewTools, cur.Name)
		case old.SchemaHash != cur.SchemaHash:
			d.ChangedSchemas = append(d.ChangedSchemas, cur.Name)
		}
	}
	for name := range prev {
		if !seen[name] {
			d.RemovedTools = append(d.RemovedTools, name)
		}
	}
	sort.Strings(d.NewTools)
	sort.Strings(d.RemovedTools)
	sort.Strings(d.ChangedSchemas)
}
