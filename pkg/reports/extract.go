package reports

import (
	"strings"
	"unicode"
)

// Answer is one extracted passage scored against a question.
type Answer struct {
	Document string  `json:"document"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

// QuestionResult pairs a question with its extracted answers.
type QuestionResult struct {
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question"`
	Answers    []Answer `json:"answers"`
}

// maxAnswersPerQuestion bounds the result size per question.
const maxAnswersPerQuestion = 5

// Extract scans a document batch for sentences matching a question's
// keywords. Scoring is the fraction of keywords a sentence hits, with a
// small bonus for multiple occurrences. Purely lexical: the heavy
// semantic scoring lives in the extraction engine this feeds.
func Extract(questionID, question string, keywords []string, documents []Document) QuestionResult {
	result := QuestionResult{QuestionID: questionID, Question: question}
	if len(keywords) == 0 {
		// Fall back to the question's own significant words.
		keywords = significantWords(question)
	}
	if len(keywords) == 0 {
		return result
	}

	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}

	for _, doc := range documents {
		for _, sentence := range splitSentences(doc.Text) {
			score := scoreSentence(sentence, lowered)
			if score == 0 {
				continue
			}
			result.Answers = append(result.Answers, Answer{
				Document: doc.Name,
				Snippet:  strings.TrimSpace(sentence),
				Score:    score,
			})
		}
	}

	sortAnswers(result.Answers)
	if len(result.Answers) > maxAnswersPerQuestion {
		result.Answers = result.Answers[:maxAnswersPerQuestion]
	}
	return result
}

func scoreSentence(sentence string, keywords []string) float64 {
	lower := strings.ToLower(sentence)
	hits := 0
	occurrences := 0
	for _, k := range keywords {
		n := strings.Count(lower, k)
		if n > 0 {
			hits++
			occurrences += n
		}
	}
	if hits == 0 {
		return 0
	}
	return float64(hits)/float64(len(keywords)) + 0.01*float64(occurrences-hits)
}

func sortAnswers(answers []Answer) {
	// Insertion sort: answer lists are tiny and stability keeps document
	// order for equal scores.
	for i := 1; i < len(answers); i++ {
		for j := i; j > 0 && answers[j].Score > answers[j-1].Score; j-- {
			answers[j], answers[j-1] = answers[j-1], answers[j]
		}
	}
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if i > start {
				sentences = append(sentences, text[start:i+1])
			}
			start = i + 1
		}
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

// significantWords drops short/stop words from a question for fallback
// keyword matching.
func significantWords(question string) []string {
	var words []string
	for _, w := range strings.FieldsFunc(question, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) > 3 {
			words = append(words, strings.ToLower(w))
		}
	}
	return words
}
