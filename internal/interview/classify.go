package interview

import "strings"

var introductionPatterns = []string{
	"tell me about yourself",
	"walk me through your resume",
	"introduce yourself",
	"background",
	"tell us about you",
	"walk us through your experience",
	"interested in this position",
}

var closingPatterns = []string{
	"do you have any questions",
	"any questions for me",
	"any questions for us",
	"questions for me",
	"questions for us",
	"anything you would like to ask",
	"anything you'd like to ask",
	"anything else you'd like to add",
	"anything else you would like to add",
}

// Classify decides a question's type from its text. Closing patterns win
// over introduction patterns when both match.
func Classify(text string) QuestionType {
	lower := strings.ToLower(text)

	for _, p := range closingPatterns {
		if strings.Contains(lower, p) {
			return TypeClosing
		}
	}
	for _, p := range introductionPatterns {
		if strings.Contains(lower, p) {
			return TypeIntroduction
		}
	}
	return TypeStandard
}
