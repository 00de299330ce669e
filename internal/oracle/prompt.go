package oracle

import (
	"fmt"
	"strings"
)

const classifySystemPrompt = "You are a professional personality analyst. Classify the participant in the conversation using the Enneagram."

// ReplySystemPrompt frames the responder's side of the conversation.
func ReplySystemPrompt(maxTurns int) string {
	return fmt.Sprintf(
		"You are a friendly, natural chat companion talking with a new community member for at most %d turns. "+
			"Ask about their interests and traits and encourage them to describe themselves. Keep replies short.",
		maxTurns,
	)
}

// BuildClassifyPrompt renders the user prompt for a classification request.
func BuildClassifyPrompt(req ClassifyRequest) string {
	var b strings.Builder
	b.WriteString("Analyze the following conversation and answer with exactly one label from: ")
	b.WriteString(strings.Join(req.CandidateLabels, ", "))
	b.WriteString("\n")
	if len(req.LabelDefinitions) > 0 {
		b.WriteString("\nLabel definitions:\n")
		for _, label := range req.CandidateLabels {
			def := strings.TrimSpace(req.LabelDefinitions[label])
			if def == "" {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", label, def)
		}
	}
	b.WriteString("\n")
	b.WriteString(req.TranscriptText)
	return b.String()
}

func classifyMessages(req ClassifyRequest) []Message {
	return []Message{
		{Role: "system", Content: classifySystemPrompt},
		{Role: "user", Content: BuildClassifyPrompt(req)},
	}
}

func replyMessages(system string, req ReplyRequest) []Message {
	out := make([]Message, 0, len(req.History)+2)
	if system != "" {
		out = append(out, Message{Role: "system", Content: system})
	}
	out = append(out, req.History...)
	out = append(out, Message{Role: "user", Content: req.Input})
	return out
}
