package theme

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/provider"
)

const systemPromptTemplate = `You are an expert at analyzing student survey responses and extracting key themes.

Given a list of student responses to a question, extract %s major themes.

For each theme, provide:
- "title": A short title (3-5 words)
- "description": A 1-2 sentence description of the theme
- "student_names": A list of student names whose answers relate to this theme

A single student can appear in multiple themes if their answer touches on multiple topics.

You MUST respond with valid JSON only. No markdown, no explanation, no code fences. Just the JSON object.

Response format:
{"themes": [{"title": "...", "description": "...", "student_names": ["..."]}, ...]}`

// BuildPrompt renders the summarization prompt for a question and its responses.
func BuildPrompt(question string, responses []session.Response, maxThemes int) provider.Prompt {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("Question asked: %q\n\n", question))
	builder.WriteString("Student responses:")
	for i, r := range responses {
		builder.WriteString(fmt.Sprintf("\n%d. %s: %q", i+1, r.StudentName, r.Answer))
	}

	return provider.Prompt{
		System: fmt.Sprintf(systemPromptTemplate, themeRange(maxThemes)),
		User:   builder.String(),
	}
}

func themeRange(maxThemes int) string {
	switch {
	case maxThemes <= 1:
		return "exactly 1"
	case maxThemes <= 4:
		return fmt.Sprintf("1 to %d", maxThemes)
	default:
		return fmt.Sprintf("exactly 4 to %d", maxThemes)
	}
}
