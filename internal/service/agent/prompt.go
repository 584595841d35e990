package agent

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/voicebridge/backend/internal/model/profile"
)

const voiceRules = `Your reply is converted to speech in real time.
- Speak in short, complete sentences and end each with punctuation.
- Do not use markdown, code blocks, emoji, tables or bullet lists.
- If the user's request is unclear, ask one short clarifying question.`

// BuildSystemPrompt creates the system prompt for a voice profile.
func BuildSystemPrompt(p profile.Profile) string {
	var b strings.Builder

	instructions := strings.TrimSpace(p.Instructions)
	if instructions == "" {
		instructions = "You are a helpful voice assistant."
	}
	b.WriteString(instructions)

	if p.Name != "" {
		fmt.Fprintf(&b, "\n\nYour name is %s.", p.Name)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, " Keep a %s tone.", p.Tone)
	}
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, " Traits: %s.", strings.Join(p.Traits, ", "))
	}
	if p.Language != "" {
		fmt.Fprintf(&b, " Reply in the user's language; default to %s.", p.Language)
	}

	b.WriteString("\n\n")
	b.WriteString(voiceRules)
	return b.String()
}
