package clock

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"zubot"
)

func TestResolveLocation(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"Asia/Jakarta", "Asia/Jakarta", true},
		{"jakarta", "Asia/Jakarta", true},
		{"New York", "America/New_York", true},
		{"UTC", "UTC", true},
		{"atlantis", "", false},
		{"", "UTC", true}, // LoadLocation("") is UTC
	}
	for _, tt := range tests {
		resolved, gotName, gotOK := resolveLocation(tt.raw)
		if gotOK != tt.ok {
			t.Errorf("resolveLocation(%q) ok = %v, want %v", tt.raw, gotOK, tt.ok)
			continue
		}
		if !tt.ok {
			continue
		}
		if gotName != tt.want || resolved.String() != tt.want {
			t.Errorf("resolveLocation(%q) = %q, want %q", tt.raw, gotName, tt.want)
		}
	}
}

func TestRegister_ReportsTimeInRequestedZone(t *testing.T) {
	reg := zubot.NewRegistry()
	Register(reg, time.UTC)

	env := reg.Invoke(context.Background(), "get_current_time", json.RawMessage(`{"location":"tokyo"}`))
	if !env.OK {
		t.Fatalf("invoke failed: %s", env.Error)
	}
	var out struct {
		Time     string `json:"time"`
		Weekday  string `json:"weekday"`
		Day      string `json:"day"`
		Timezone string `json:"timezone"`
		Offset   string `json:"offset"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Timezone != "Asia/Tokyo" {
		t.Fatalf("timezone = %q, want Asia/Tokyo", out.Timezone)
	}
	if out.Offset != "+09:00" {
		t.Fatalf("offset = %q, want +09:00", out.Offset)
	}
	if _, err := time.Parse("2006-01-02 15:04:05", out.Time); err != nil {
		t.Fatalf("time %q does not parse: %v", out.Time, err)
	}
	if _, err := time.Parse("2006-01-02", out.Day); err != nil {
		t.Fatalf("day %q does not parse: %v", out.Day, err)
	}
	if out.Weekday == "" {
		t.Fatal("weekday is empty")
	}
}

func TestRegister_UnknownLocationFallsBackToHome(t *testing.T) {
	home := time.FixedZone("HOME", 5*3600)
	reg := zubot.NewRegistry()
	Register(reg, home)

	env := reg.Invoke(context.Background(), "get_current_time", json.RawMessage(`{"location":"atlantis"}`))
	if !env.OK {
		t.Fatalf("invoke failed: %s", env.Error)
	}
	var out struct {
		Timezone string `json:"timezone"`
		Offset   string `json:"offset"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Timezone != "HOME" {
		t.Fatalf("timezone = %q, want HOME", out.Timezone)
	}
	if out.Offset != "+05:00" {
		t.Fatalf("offset = %q, want +05:00", out.Offset)
	}
}

func TestRegister_OmittedLocationUsesHome(t *testing.T) {
	reg := zubot.NewRegistry()
	Register(reg, time.UTC)

	env := reg.Invoke(context.Background(), "get_current_time", json.RawMessage(`{}`))
	if !env.OK {
		t.Fatalf("invoke failed: %s", env.Error)
	}
	var out struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Timezone != "UTC" {
		t.Fatalf("timezone = %q, want UTC", out.Timezone)
	}
}
