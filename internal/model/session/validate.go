package session

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// NormalizeQuestion trims and validates a question.
func NormalizeQuestion(question string) (string, error) {
	return normalizeField("question", question, MaxQuestionLength)
}

// NormalizeResponse trims and validates a respondent name and answer.
func NormalizeResponse(name, answer string) (string, string, error) {
	name, err := normalizeField("student_name", name, MaxNameLength)
	if err != nil {
		return "", "", err
	}
	answer, err = normalizeField("answer", answer, MaxAnswerLength)
	if err != nil {
		return "", "", err
	}
	return name, answer, nil
}

func normalizeField(field, value string, limit int) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", &ValidationError{Field: field, Reason: "is required"}
	}
	if utf8.RuneCountInString(trimmed) > limit {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %d characters", limit)}
	}
	return trimmed, nil
}
