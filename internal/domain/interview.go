package domain

// Question is a single generated interview question.
type Question struct {
	Text string `json:"text"`
}

// ScoreCard is the result of grading one answer.
type ScoreCard struct {
	Score    int    `json:"score"` // 0..10
	Feedback string `json:"feedback"`
}
