// Package health inspects a service's HOLD layers without taking its lock.
package health

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/drblury/holdflow/internal/runtime/jsoncodec"
	"github.com/drblury/holdflow/internal/runtime/paths"
	"github.com/drblury/holdflow/internal/runtime/store"
)

// SyncThreshold is the minimum processed/intake ratio considered in sync.
const SyncThreshold = 0.9

const maxReportedInvalidLines = 3

// Checks holds the individual probe results.
type Checks struct {
	Hold1Exists        bool     `json:"hold1_exists"`
	Hold2Exists        bool     `json:"hold2_exists"`
	StagingExists      bool     `json:"staging_exists"`
	IntakeFileExists   bool     `json:"intake_file_exists"`
	IntakeValidLines   int      `json:"intake_valid_lines"`
	IntakeInvalidLines int      `json:"intake_invalid_lines"`
	StoreExists        bool     `json:"store_exists"`
	StoreTables        []string `json:"store_tables,omitempty"`
}

// Report is the outcome of CheckServiceHealth.
type Report struct {
	Service          string   `json:"service"`
	Healthy          bool     `json:"healthy"`
	Issues           []string `json:"issues"`
	Warnings         []string `json:"warnings"`
	Checks           Checks   `json:"checks"`
	IntakeRecords    int64    `json:"intake_records"`
	ProcessedRecords int64    `json:"processed_records"`
	SyncRatio        float64  `json:"sync_ratio"`
	SyncOK           bool     `json:"sync_ok"`
}

// SyncReport is the outcome of VerifyHoldSync.
type SyncReport struct {
	Service    string   `json:"service"`
	SyncOK     bool     `json:"sync_ok"`
	Hold1Count int64    `json:"hold1_count"`
	Hold2Count int64    `json:"hold2_count"`
	SyncRatio  float64  `json:"sync_ratio"`
	Issues     []string `json:"issues"`
}

// Summary aggregates CheckAll.
type Summary struct {
	OverallHealthy    bool              `json:"overall_healthy"`
	ServicesChecked   int               `json:"services_checked"`
	ServicesHealthy   int               `json:"services_healthy"`
	ServicesUnhealthy int               `json:"services_unhealthy"`
	ServicesMissing   int               `json:"services_missing"`
	Details           map[string]Report `json:"details"`
}

// CheckServiceHealth probes the directories, the intake file and the processed
// store of name. table defaults to the service's standard table. Missing
// hold1 or hold2 directories, malformed intake lines and an unreadable store
// make the report unhealthy; a missing staging directory, intake file or store
// only warns.
func CheckServiceHealth(ctx context.Context, layout paths.Layout, name, table string) Report {
	if table == "" {
		table = store.TableName(name)
	}
	r := Report{Service: name, Healthy: true, Issues: []string{}, Warnings: []string{}}

	hold1, hold2, staging := layout.Hold1Dir(name), layout.Hold2Dir(name), layout.StagingDir(name)
	r.Checks.Hold1Exists = isDir(hold1)
	r.Checks.Hold2Exists = isDir(hold2)
	r.Checks.StagingExists = isDir(staging)
	if !r.Checks.Hold1Exists {
		r.fail("Missing hold1 directory: " + hold1)
	}
	if !r.Checks.Hold2Exists {
		r.fail("Missing hold2 directory: " + hold2)
	}
	if !r.Checks.StagingExists {
		r.Warnings = append(r.Warnings, "Missing staging directory: "+staging)
	}

	intake := layout.IntakeFile(name)
	valid, invalid, badLines, err := scanIntake(intake)
	switch {
	case errors.Is(err, os.ErrNotExist):
		r.Warnings = append(r.Warnings, "No intake file yet: "+filepath.Base(intake))
	case err != nil:
		r.Checks.IntakeFileExists = true
		r.fail(fmt.Sprintf("Cannot read intake file: %v", err))
	default:
		r.Checks.IntakeFileExists = true
		r.Checks.IntakeValidLines = valid
		r.Checks.IntakeInvalidLines = invalid
		for _, n := range badLines {
			r.Issues = append(r.Issues, fmt.Sprintf("Invalid JSON at line %d in %s", n, filepath.Base(intake)))
		}
		if invalid > 0 {
			r.Healthy = false
		}
	}
	r.IntakeRecords = int64(valid + invalid)

	dbPath := layout.StoreFile(name)
	if fi, statErr := os.Stat(dbPath); statErr == nil && fi.IsDir() {
		r.Checks.StoreExists = true
		r.fail("Store is a directory (corrupted): " + dbPath)
	} else {
		info, err := store.Inspect(ctx, dbPath, table)
		r.Checks.StoreExists = info.Exists
		r.Checks.StoreTables = info.Tables
		switch {
		case err != nil:
			r.fail(fmt.Sprintf("Cannot open store: %v", err))
		case !info.Exists:
			r.Warnings = append(r.Warnings, "No store file yet: "+filepath.Base(dbPath))
		case info.Rows >= 0:
			r.ProcessedRecords = info.Rows
		}
	}

	r.SyncRatio, r.SyncOK = syncRatio(r.IntakeRecords, r.ProcessedRecords)
	return r
}

// VerifyHoldSync compares the intake line count with the processed row count.
// When the standard table is missing, rows of every table are summed.
func VerifyHoldSync(ctx context.Context, layout paths.Layout, name string) SyncReport {
	r := SyncReport{Service: name, Issues: []string{}}

	if n, err := countNonEmptyLines(layout.IntakeFile(name)); err == nil {
		r.Hold1Count = n
	} else if !errors.Is(err, os.ErrNotExist) {
		r.Issues = append(r.Issues, fmt.Sprintf("Cannot read intake file: %v", err))
	}

	dbPath := layout.StoreFile(name)
	info, err := store.Inspect(ctx, dbPath, store.TableName(name))
	switch {
	case err != nil:
		r.Issues = append(r.Issues, fmt.Sprintf("Cannot query store: %v", err))
	case info.Rows >= 0:
		r.Hold2Count = info.Rows
	case info.Exists:
		for _, table := range info.Tables {
			if t, err := store.Inspect(ctx, dbPath, table); err == nil && t.Rows > 0 {
				r.Hold2Count += t.Rows
			}
		}
	}

	r.SyncRatio, r.SyncOK = syncRatio(r.Hold1Count, r.Hold2Count)
	if !r.SyncOK {
		r.Issues = append(r.Issues, fmt.Sprintf("Sync ratio %.1f%% below 90%% threshold", r.SyncRatio*100))
	}
	return r
}

// CheckAll runs CheckServiceHealth for each name. Services without a root
// directory are counted as missing.
func CheckAll(ctx context.Context, layout paths.Layout, names []string) Summary {
	s := Summary{OverallHealthy: true, Details: make(map[string]Report, len(names))}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, name := range sorted {
		if !isDir(layout.ServiceRoot(name)) {
			s.ServicesMissing++
			s.OverallHealthy = false
			s.Details[name] = Report{Service: name, Issues: []string{"Service directory does not exist"}, Warnings: []string{}}
			continue
		}
		r := CheckServiceHealth(ctx, layout, name, "")
		s.Details[name] = r
		s.ServicesChecked++
		if r.Healthy {
			s.ServicesHealthy++
		} else {
			s.ServicesUnhealthy++
			s.OverallHealthy = false
		}
	}
	return s
}

// Discover lists the service directories below the layout root.
func Discover(layout paths.Layout) ([]string, error) {
	entries, err := os.ReadDir(layout.ServicesRoot)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (r *Report) fail(issue string) {
	r.Issues = append(r.Issues, issue)
	r.Healthy = false
}

// syncRatio treats an empty intake as in sync.
func syncRatio(intake, processed int64) (float64, bool) {
	if intake == 0 {
		return 0, true
	}
	ratio := float64(processed) / float64(intake)
	return ratio, ratio >= SyncThreshold
}

func scanIntake(path string) (valid, invalid int, badLines []int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				if jsoncodec.Valid(trimmed) {
					valid++
				} else {
					invalid++
					if invalid <= maxReportedInvalidLines {
						badLines = append(badLines, lineNo)
					}
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	return valid, invalid, badLines, nil
}

func countNonEmptyLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int64
	reader := bufio.NewReader(f)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
		if readErr != nil {
			break
		}
	}
	return n, nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
