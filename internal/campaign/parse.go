package campaign

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidScript is returned when a script payload is not a list of steps
var ErrInvalidScript = errors.New("script must be array")

var templateSeparator = regexp.MustCompile(`\n\s*\n|---+|===+`)

// ParseTemplates parses an uploaded templates file.
// Files named *.json hold either a list of strings or {"templates": [...]};
// anything else is plain text separated by blank lines, --- or ===.
func ParseTemplates(filename string, data []byte) ([]string, error) {
	text := strings.TrimSpace(string(data))

	if strings.EqualFold(filepath.Ext(filename), ".json") {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse templates: %w", err)
		}

		raw = bytes.TrimSpace(raw)
		var items []any
		if len(raw) > 0 && raw[0] == '[' {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("failed to parse templates: %w", err)
			}
		} else {
			var wrapped struct {
				Templates []any `json:"templates"`
			}
			if err := json.Unmarshal(raw, &wrapped); err != nil {
				return nil, fmt.Errorf("failed to parse templates: %w", err)
			}
			items = wrapped.Templates
		}

		return cleanStrings(onlyStrings(items)), nil
	}

	return cleanStrings(templateSeparator.Split(text, -1)), nil
}

// rawStep mirrors Step with loose types so invalid fields can be detected
type rawStep struct {
	Type            string          `json:"type"`
	Text            *string         `json:"text"`
	Variants        json.RawMessage `json:"variants"`
	MediaType       string          `json:"mediaType"`
	Path            *string         `json:"path"`
	Caption         json.RawMessage `json:"caption"`
	CaptionVariants json.RawMessage `json:"captionVariants"`
}

// ParseScript decodes a script payload, either {"script": [...]} or a bare
// list, and normalizes it with NormalizeScript.
func ParseScript(data []byte) ([]Step, error) {
	data = bytes.TrimSpace(data)

	var items []json.RawMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, ErrInvalidScript
		}
		return NormalizeScript(items), nil
	}

	var wrapped struct {
		Script json.RawMessage `json:"script"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if err := json.Unmarshal(wrapped.Script, &items); err != nil || items == nil {
		return nil, ErrInvalidScript
	}

	return NormalizeScript(items), nil
}

// NormalizeScript keeps only well-formed steps.
// Text steps need a string text; media steps need an image or video type
// and a string path. Variants and captions are trimmed and empty ones dropped.
func NormalizeScript(items []json.RawMessage) []Step {
	steps := make([]Step, 0, len(items))

	for _, item := range items {
		var rs rawStep
		if err := json.Unmarshal(item, &rs); err != nil {
			continue
		}

		switch StepType(rs.Type) {
		case StepText:
			if rs.Text == nil {
				continue
			}
			steps = append(steps, Step{
				Type:     StepText,
				Text:     *rs.Text,
				Variants: cleanStrings(looseStrings(rs.Variants)),
			})

		case StepMedia:
			mt := MediaType(rs.MediaType)
			if mt != MediaImage && mt != MediaVideo {
				continue
			}
			if rs.Path == nil {
				continue
			}

			var caption string
			_ = json.Unmarshal(rs.Caption, &caption)

			steps = append(steps, Step{
				Type:            StepMedia,
				MediaType:       mt,
				Path:            *rs.Path,
				Caption:         strings.TrimSpace(caption),
				CaptionVariants: cleanStrings(looseStrings(rs.CaptionVariants)),
			})
		}
	}

	return steps
}

// looseStrings extracts the string elements of a JSON list, ignoring others
func looseStrings(raw json.RawMessage) []string {
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return onlyStrings(items)
}

func onlyStrings(items []any) []string {
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
