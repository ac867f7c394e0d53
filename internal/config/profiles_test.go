package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "news_digest.toml", `
id = "news_digest"
title = "Morning news digest"
kind = "agentic"
instructions = "Summarize overnight news."
model_tier = "low"

[schedule]
enabled = true
mode = "calendar"
run_times = ["07:00"]
days_of_week = ["mon", "tue", "wed", "thu", "fri"]
`)
	writeProfile(t, dir, "backup.toml", `
kind = "script"
entrypoint = "jobs/backup.sh"
timeout_sec = 300
max_attempts = 3
backoff_sec = [5, 30]

[schedule]
enabled = true
mode = "interval"
run_frequency_minutes = 120
`)
	writeProfile(t, dir, "notes.txt", "not a profile")

	profiles, report, err := LoadProfiles(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if report.Loaded != 2 || len(report.Errors) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(profiles) != 2 {
		t.Fatalf("profiles = %+v", profiles)
	}

	// sorted by id; missing id falls back to the file name
	backup := profiles[0]
	if backup.ID != "backup" || backup.Kind != "script" {
		t.Errorf("profile = %+v", backup)
	}
	if backup.TimeoutSec != 300 || backup.MaxAttempts != 3 || len(backup.BackoffSec) != 2 {
		t.Errorf("budgets = %+v", backup)
	}
	if backup.ModelTier != "medium" {
		t.Errorf("tier default = %q", backup.ModelTier)
	}
	if backup.Schedule.Mode != "interval" || backup.Schedule.RunFrequencyMinutes != 120 {
		t.Errorf("schedule = %+v", backup.Schedule)
	}

	digest := profiles[1]
	if digest.ID != "news_digest" || digest.ModelTier != "low" {
		t.Errorf("profile = %+v", digest)
	}
	if digest.TimeoutSec != 20 || digest.MaxAttempts != 1 {
		t.Errorf("agentic defaults = %+v", digest)
	}
	if len(digest.Schedule.RunTimes) != 1 || len(digest.Schedule.DaysOfWeek) != 5 {
		t.Errorf("schedule = %+v", digest.Schedule)
	}
}

func TestLoadProfiles_BadFilesReported(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "ok.toml", `
kind = "script"
entrypoint = "jobs/ok.sh"
`)
	writeProfile(t, dir, "broken.toml", `kind = [not toml`)
	writeProfile(t, dir, "no_instructions.toml", `kind = "agentic"`)
	writeProfile(t, dir, "no_entrypoint.toml", `kind = "script"`)
	writeProfile(t, dir, "bad_kind.toml", `
kind = "cron"
entrypoint = "jobs/x.sh"
`)
	writeProfile(t, dir, "bad_mode.toml", `
kind = "script"
entrypoint = "jobs/x.sh"

[schedule]
enabled = true
mode = "lunar"
`)
	writeProfile(t, dir, "no_frequency.toml", `
kind = "script"
entrypoint = "jobs/x.sh"

[schedule]
enabled = true
mode = "frequency"
`)
	writeProfile(t, dir, "no_run_times.toml", `
kind = "agentic"
instructions = "do it"

[schedule]
enabled = true
mode = "calendar"
`)

	profiles, report, err := LoadProfiles(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if report.Loaded != 1 || len(profiles) != 1 || profiles[0].ID != "ok" {
		t.Fatalf("profiles = %+v report = %+v", profiles, report)
	}
	if len(report.Errors) != 7 {
		t.Fatalf("errors = %d: %v", len(report.Errors), report.Errors)
	}
	joined := strings.Join(report.Errors, "\n")
	for _, want := range []string{"broken.toml", "needs instructions", "needs an entrypoint",
		"unknown kind", "unknown schedule mode", "run_frequency_minutes", "run_times"} {
		if !strings.Contains(joined, want) {
			t.Errorf("errors missing %q: %v", want, report.Errors)
		}
	}
}

func TestLoadProfiles_DisabledScheduleSkipsValidation(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "paused.toml", `
kind = "script"
entrypoint = "jobs/paused.sh"

[schedule]
enabled = false
mode = "frequency"
`)
	profiles, report, err := LoadProfiles(dir)
	if err != nil || report.Loaded != 1 {
		t.Fatalf("profiles = %+v report = %+v err=%v", profiles, report, err)
	}
}

func TestLoadProfiles_MissingDir(t *testing.T) {
	profiles, report, err := LoadProfiles(filepath.Join(t.TempDir(), "absent"))
	if err != nil || len(profiles) != 0 || report.Loaded != 0 {
		t.Errorf("profiles = %+v report = %+v err=%v", profiles, report, err)
	}
}
