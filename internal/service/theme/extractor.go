package theme

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
)

var ErrMalformedOutput = errors.New("model output contains no usable themes")

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// Extractor turns a free-form completion into a bounded, validated theme list.
type Extractor struct {
	MaxThemes int
}

// NewExtractor returns an Extractor capped at maxThemes themes.
func NewExtractor(maxThemes int) *Extractor {
	if maxThemes < 1 {
		maxThemes = 1
	}
	return &Extractor{MaxThemes: maxThemes}
}

// Extract parses raw model output. Attributed names absent from known are dropped,
// names are deduplicated per theme, themes without title or description are dropped
// and the result is truncated to MaxThemes. It fails only when no theme survives.
func (e *Extractor) Extract(raw string, known []session.Response) ([]session.Theme, error) {
	items, ok := locateThemes(raw)
	if !ok {
		return nil, ErrMalformedOutput
	}

	roster := newRoster(known)
	themes := make([]session.Theme, 0, len(items))
	for _, item := range items {
		t, ok := decodeTheme(item, roster)
		if !ok {
			continue
		}
		themes = append(themes, t)
		if len(themes) == e.MaxThemes {
			break
		}
	}

	if len(themes) == 0 {
		return nil, ErrMalformedOutput
	}
	return themes, nil
}

// locateThemes walks from strict to lenient readings of the text and returns the
// first theme array it can decode.
func locateThemes(raw string) ([]json.RawMessage, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, false
	}

	candidates := []string{text}
	for _, match := range fencePattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(match[1]))
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start != -1 && end > start {
		candidates = append(candidates, text[start:end+1])
	}
	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start != -1 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, candidate := range candidates {
		if items, ok := decodeThemeList(candidate); ok {
			return items, true
		}
	}
	return nil, false
}

func decodeThemeList(candidate string) ([]json.RawMessage, bool) {
	var envelope struct {
		Themes []json.RawMessage `json:"themes"`
	}
	if err := json.Unmarshal([]byte(candidate), &envelope); err == nil && len(envelope.Themes) > 0 {
		return envelope.Themes, true
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &items); err == nil && len(items) > 0 {
		return items, true
	}
	return nil, false
}

func decodeTheme(item json.RawMessage, roster roster) (session.Theme, bool) {
	var fields map[string]any
	if err := json.Unmarshal(item, &fields); err != nil {
		return session.Theme{}, false
	}

	title := firstString(fields, "title", "name", "theme")
	description := firstString(fields, "description", "summary")
	if title == "" || description == "" {
		return session.Theme{}, false
	}

	return session.Theme{
		Title:        title,
		Description:  description,
		StudentNames: roster.filter(nameList(fields, "student_names", "students", "names")),
	}, true
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := fields[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func nameList(fields map[string]any, keys ...string) []string {
	for _, key := range keys {
		switch value := fields[key].(type) {
		case []any:
			names := make([]string, 0, len(value))
			for _, v := range value {
				if s, ok := v.(string); ok {
					names = append(names, s)
				}
			}
			return names
		case string:
			return strings.Split(value, ",")
		}
	}
	return nil
}

// roster maps normalized respondent names to their submitted spelling.
type roster map[string]string

func newRoster(known []session.Response) roster {
	r := make(roster, len(known))
	for _, resp := range known {
		key := normalizeName(resp.StudentName)
		if key == "" {
			continue
		}
		if _, exists := r[key]; !exists {
			r[key] = strings.TrimSpace(resp.StudentName)
		}
	}
	return r
}

func (r roster) filter(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		key := normalizeName(name)
		canonical, ok := r[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, canonical)
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
