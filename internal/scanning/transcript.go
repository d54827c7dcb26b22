package scanning

import "strings"

// transcribePrompt is the shared prompt used by all LLM providers
const transcribePrompt = `You are reading an invoice or receipt. Transcribe every line of text exactly as printed, top to bottom.

Important:
- Keep the original line breaks, one printed line per output line
- Do not translate, correct, summarize or reorder anything
- Do not add commentary before or after the text
- Do not use markdown code blocks`

const transcribeSystemPrompt = "You are an OCR engine. You output only the text visible in the image."

// cleanTranscript strips the markdown fences LLMs tend to wrap text in
func cleanTranscript(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	// Drop the opening fence line, which may carry a language tag
	if idx := strings.Index(text, "\n"); idx != -1 {
		text = text[idx+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSuffix(strings.TrimRight(text, " \t\r\n"), "```")
	return strings.Trim(text, "\r\n")
}
