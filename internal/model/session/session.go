package session

import "time"

// 输入长度上限，按字符（rune）计算。
const (
	MaxQuestionLength = 1000
	MaxNameLength     = 100
	MaxAnswerLength   = 5000
)

// Session captures one question broadcast by a presenter.
type Session struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	AdminToken string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Info is the public view of a session exposed to respondents.
type Info struct {
	SessionID     string `json:"session_id"`
	Question      string `json:"question"`
	ResponseCount int    `json:"response_count"`
}

// Response is one respondent's free-text answer. Responses are never mutated.
type Response struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	StudentName string    `json:"student_name"`
	Answer      string    `json:"answer"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Names returns the respondent names in submission order.
func Names(responses []Response) []string {
	names := make([]string, 0, len(responses))
	for _, r := range responses {
		names = append(names, r.StudentName)
	}
	return names
}
