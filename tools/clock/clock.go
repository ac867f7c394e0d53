// Package clock provides the time tool. The registry injects the
// configured default location when the model omits one.
package clock

import (
	"context"
	"encoding/json"
	"time"

	"zubot"
)

// locationAliases maps friendly location names to IANA zones. Unknown
// locations fall back to the home zone.
var locationAliases = map[string]string{
	"jakarta":   "Asia/Jakarta",
	"singapore": "Asia/Singapore",
	"tokyo":     "Asia/Tokyo",
	"london":    "Europe/London",
	"new york":  "America/New_York",
	"utc":       "UTC",
}

// Register adds get_current_time to the registry. home is the runtime's
// home timezone, the default when no location resolves.
func Register(reg *zubot.Registry, home *time.Location) {
	if home == nil {
		home = time.Local
	}
	reg.MustRegister(zubot.ToolSpec{
		Name:        "get_current_time",
		Category:    "utility",
		Description: "Get the current date and time, optionally for a location or IANA timezone.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"location":{"type":"string","description":"City name or IANA timezone, e.g. Asia/Jakarta"}}}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Location string `json:"location"`
			}
			_ = json.Unmarshal(args, &in)

			loc := home
			label := home.String()
			if in.Location != "" {
				if resolved, name, ok := resolveLocation(in.Location); ok {
					loc = resolved
					label = name
				}
			}

			now := time.Now().In(loc)
			return map[string]any{
				"time":     now.Format("2006-01-02 15:04:05"),
				"weekday":  now.Weekday().String(),
				"day":      now.Format("2006-01-02"),
				"timezone": label,
				"offset":   now.Format("-07:00"),
			}, nil
		},
	})
}

func resolveLocation(raw string) (*time.Location, string, bool) {
	if zone, ok := locationAliases[normalize(raw)]; ok {
		raw = zone
	}
	loc, err := time.LoadLocation(raw)
	if err != nil {
		return nil, "", false
	}
	return loc, loc.String(), true
}

func normalize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
