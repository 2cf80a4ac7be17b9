package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailcal/internal/models"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const localLayout = "2006-01-02T15:04:05"

const outputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["events"],
  "properties": {
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["summary", "start", "end"],
        "properties": {
          "summary": {"type": "string", "minLength": 1, "pattern": "\\S"},
          "start": {"type": "string", "minLength": 10},
          "end": {"type": "string", "minLength": 10},
          "all_day": {"type": "boolean"},
          "cancelled": {"type": "boolean"},
          "matched_id": {"type": ["integer", "null"]}
        }
      }
    }
  }
}`

// Accepted timestamp layouts, tried in order. Layouts without a zone are read in the configured location.
var timeLayouts = []string{
	time.RFC3339,
	localLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

type rawEvent struct {
	Summary   string `json:"summary"`
	Start     string `json:"start"`
	End       string `json:"end"`
	AllDay    bool   `json:"all_day"`
	Cancelled bool   `json:"cancelled"`
	MatchedID *int64 `json:"matched_id"`
}

type rawOutput struct {
	Events []rawEvent `json:"events"`
}

// compileSchema compiles the output schema once per gateway
func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(outputSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("extraction.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("extraction.json")
}

// parseCandidates validates the raw model output and converts it into candidates
func parseCandidates(schema *jsonschema.Schema, content string, loc *time.Location) ([]models.Candidate, error) {
	content = stripCodeFence(content)

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedOutput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var out rawOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	cands := make([]models.Candidate, 0, len(out.Events))
	for i, ev := range out.Events {
		cand, err := ev.toCandidate(loc)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d (%q): %v", ErrMalformedOutput, i, ev.Summary, err)
		}
		cands = append(cands, cand)
	}
	return cands, nil
}

func (ev rawEvent) toCandidate(loc *time.Location) (models.Candidate, error) {
	start, startDateOnly, err := parseTime(ev.Start, loc)
	if err != nil {
		return models.Candidate{}, fmt.Errorf("start: %w", err)
	}
	end, endDateOnly, err := parseTime(ev.End, loc)
	if err != nil {
		return models.Candidate{}, fmt.Errorf("end: %w", err)
	}

	allDay := ev.AllDay || (startDateOnly && endDateOnly) || spansWholeDays(start, end, loc)
	if allDay {
		start = startOfDay(start, loc)
		end = startOfDay(end, loc).Add(23*time.Hour + 59*time.Minute)
	}

	if end.Before(start) {
		return models.Candidate{}, fmt.Errorf("end %s before start %s", ev.End, ev.Start)
	}

	summary := strings.TrimSpace(ev.Summary)
	if summary == "" {
		return models.Candidate{}, errors.New("blank summary")
	}

	return models.Candidate{
		Start:     start.UTC(),
		End:       end.UTC(),
		AllDay:    allDay,
		Summary:   models.ClampSummary(summary),
		MatchedID: ev.MatchedID,
		Cancelled: ev.Cancelled,
	}, nil
}

// parseTime reports whether the value carried a date only
func parseTime(value string, loc *time.Location) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timeLayouts {
		var t time.Time
		var err error
		if layout == time.RFC3339 {
			t, err = time.Parse(layout, value)
		} else {
			t, err = time.ParseInLocation(layout, value, loc)
		}
		if err == nil {
			return t.Truncate(time.Second), layout == "2006-01-02", nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognised time %q", value)
}

// spansWholeDays matches the 00:00 to 23:59 convention for events without a time
func spansWholeDays(start, end time.Time, loc *time.Location) bool {
	s, e := start.In(loc), end.In(loc)
	return s.Hour() == 0 && s.Minute() == 0 && e.Hour() == 23 && e.Minute() == 59
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// stripCodeFence removes a ```json fence some models wrap their answer in
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
