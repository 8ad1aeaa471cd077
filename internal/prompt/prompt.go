// Package prompt builds the text sent to the model.
package prompt

// QuestionTag separates attached document text from the user's message.
const QuestionTag = "User question: "

// Compose prefixes userMessage with documentText when a document is attached.
func Compose(documentText, userMessage string) string {
	if documentText == "" {
		return userMessage
	}
	return documentText + "\n\n" + QuestionTag + userMessage
}
