package campaign

import (
	"strings"
)

// StepType is the kind of a script step
type StepType string

const (
	StepText  StepType = "text"
	StepMedia StepType = "media"
)

// MediaType is the kind of an attached media file
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Step is one ordered message of a scripted campaign
type Step struct {
	Type StepType `json:"type"`

	// Text step
	Text     string   `json:"text,omitempty"`
	Variants []string `json:"variants,omitempty"`

	// Media step
	MediaType       MediaType `json:"mediaType,omitempty"`
	Path            string    `json:"path,omitempty"`
	Caption         string    `json:"caption,omitempty"`
	CaptionVariants []string  `json:"captionVariants,omitempty"`
}

// Attachment is a media file sent together with a legacy template message
type Attachment struct {
	Type MediaType `json:"type"`
	Path string    `json:"path"`
}

// Mode selects which configured media accompany legacy template messages
type Mode string

const (
	ModeImage Mode = "image"
	ModeVideo Mode = "video"
	ModeBoth  Mode = "both"
	ModeText  Mode = "text"
)

// ParseMode returns the mode named by s, falling back to ModeImage
func ParseMode(s string) Mode {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeImage, ModeVideo, ModeBoth, ModeText:
		return m
	}
	return ModeImage
}

// Definition is the content of a campaign.
// A non-empty Script takes precedence over Templates.
type Definition struct {
	Script    []Step   `json:"script,omitempty"`
	Templates []string `json:"templates,omitempty"`
}

// HasScript reports whether the scripted path is used
func (d *Definition) HasScript() bool {
	return d != nil && len(d.Script) > 0
}

// Empty reports whether there is nothing to send
func (d *Definition) Empty() bool {
	return d == nil || (len(d.Script) == 0 && len(d.Templates) == 0)
}

// cleanStrings trims values and drops empty ones
func cleanStrings(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
