package session

import "time"

// Theme is one clustered summary of a subset of responses.
type Theme struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	StudentNames []string `json:"student_names"`
}

// Summary replaces a session's previous summary as a whole.
type Summary struct {
	Themes        []Theme   `json:"themes"`
	ResponseCount int       `json:"response_count"`
	ModelUsed     *string   `json:"model_used"`
	Timestamp     time.Time `json:"timestamp"`
}

// Clone returns a deep copy so callers never share theme slices with the store.
func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}

	out := *s
	out.Themes = make([]Theme, len(s.Themes))
	for i, t := range s.Themes {
		t.StudentNames = append([]string(nil), t.StudentNames...)
		out.Themes[i] = t
	}
	if s.ModelUsed != nil {
		model := *s.ModelUsed
		out.ModelUsed = &model
	}
	return &out
}
