package content

import (
	"errors"
	"math/rand/v2"
	"strings"

	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/queue"
)

// ErrNoContent is returned when the definition has neither script nor templates
var ErrNoContent = errors.New("no templates or script loaded")

// NamePlaceholder is replaced with the contact name
const NamePlaceholder = "{name}"

// Message is the per-contact content ready for delivery.
// Exactly one of Script or Text/Media is used.
type Message struct {
	Script []campaign.Step
	Text   string
	Media  []campaign.Attachment
}

// Scripted reports whether the message goes through the script path
func (m *Message) Scripted() bool {
	return len(m.Script) > 0
}

// MediaSource provides attachments for legacy template messages
type MediaSource interface {
	ForMode(mode campaign.Mode) []campaign.Attachment
}

// Resolver turns a campaign definition into a concrete message per contact
type Resolver struct {
	media MediaSource
	intn  func(n int) int
}

// NewResolver creates a resolver. media may be nil, in which case
// template messages carry no attachments.
func NewResolver(media MediaSource) *Resolver {
	return &Resolver{
		media: media,
		intn:  rand.IntN,
	}
}

// Resolve builds the message for contact.
// With a script every step is resolved: a random variant (if any) replaces
// the base text or caption, then the name is substituted. Without a script
// a random template is rendered and the media for mode attached.
func (r *Resolver) Resolve(def *campaign.Definition, contact queue.Contact, mode campaign.Mode) (*Message, error) {
	if def.Empty() {
		return nil, ErrNoContent
	}

	if def.HasScript() {
		steps := make([]campaign.Step, 0, len(def.Script))
		for _, s := range def.Script {
			steps = append(steps, r.resolveStep(s, contact.Name))
		}
		return &Message{Script: steps}, nil
	}

	tpl := def.Templates[r.intn(len(def.Templates))]
	msg := &Message{Text: RenderWithName(tpl, contact.Name)}
	if r.media != nil {
		msg.Media = r.media.ForMode(mode)
	}
	return msg, nil
}

func (r *Resolver) resolveStep(s campaign.Step, name string) campaign.Step {
	switch s.Type {
	case campaign.StepText:
		text := s.Text
		if v := r.pick(s.Variants); v != "" {
			text = v
		}
		return campaign.Step{Type: campaign.StepText, Text: RenderWithName(text, name)}

	case campaign.StepMedia:
		caption := s.Caption
		if v := r.pick(s.CaptionVariants); v != "" {
			caption = v
		}
		out := campaign.Step{Type: campaign.StepMedia, MediaType: s.MediaType, Path: s.Path}
		if caption != "" {
			out.Caption = RenderWithName(caption, name)
		}
		return out
	}

	return s
}

// pick returns a random non-empty trimmed variant, or "" if there is none
func (r *Resolver) pick(variants []string) string {
	var clean []string
	for _, v := range variants {
		if v = strings.TrimSpace(v); v != "" {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return ""
	}
	return clean[r.intn(len(clean))]
}

// RenderWithName substitutes every {name} with name. Without a name the
// placeholders are removed and whitespace runs collapse to single spaces.
func RenderWithName(tpl, name string) string {
	if name == "" {
		return strings.Join(strings.Fields(strings.ReplaceAll(tpl, NamePlaceholder, "")), " ")
	}
	return strings.ReplaceAll(tpl, NamePlaceholder, name)
}
