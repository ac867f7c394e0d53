package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"zubot"
)

// ProfileReport lists per-file parse or validation failures from a
// profile directory load. A bad file never aborts the rest.
type ProfileReport struct {
	Loaded int
	Errors []string
}

// LoadProfiles parses every *.toml file under dir into task profiles,
// sorted by id. Missing directory yields an empty set.
func LoadProfiles(dir string) ([]zubot.TaskProfile, ProfileReport, error) {
	var report ProfileReport
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, report, nil
		}
		return nil, report, fmt.Errorf("read tasks dir: %w", err)
	}

	var profiles []zubot.TaskProfile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".toml") {
			continue
		}
		var p zubot.TaskProfile
		if _, err := toml.DecodeFile(filepath.Join(dir, name), &p); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if p.ID == "" {
			p.ID = strings.TrimSuffix(name, ".toml")
		}
		if err := validateProfile(p); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		profiles = append(profiles, applyProfileDefaults(p))
		report.Loaded++
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, report, nil
}

func validateProfile(p zubot.TaskProfile) error {
	switch p.Kind {
	case "agentic":
		if p.Instructions == "" {
			return fmt.Errorf("agentic task %s needs instructions", p.ID)
		}
	case "script":
		if p.Entrypoint == "" {
			return fmt.Errorf("script task %s needs an entrypoint", p.ID)
		}
	default:
		return fmt.Errorf("task %s: unknown kind %q", p.ID, p.Kind)
	}

	mode := p.Schedule.Mode
	if mode == "interval" {
		mode = "frequency"
	}
	switch mode {
	case "", "frequency":
		if p.Schedule.Enabled && p.Schedule.RunFrequencyMinutes <= 0 {
			return fmt.Errorf("task %s: frequency schedule needs run_frequency_minutes", p.ID)
		}
	case "calendar":
		if p.Schedule.Enabled && len(p.Schedule.RunTimes) == 0 {
			return fmt.Errorf("task %s: calendar schedule needs run_times", p.ID)
		}
	default:
		return fmt.Errorf("task %s: unknown schedule mode %q", p.ID, p.Schedule.Mode)
	}
	return nil
}

func applyProfileDefaults(p zubot.TaskProfile) zubot.TaskProfile {
	if p.TimeoutSec <= 0 {
		if p.Kind == "script" {
			p.TimeoutSec = 1800
		} else {
			p.TimeoutSec = 20
		}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.ModelTier == "" {
		p.ModelTier = "medium"
	}
	return p
}
