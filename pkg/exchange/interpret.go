package exchange

import (
	"encoding/json"
	"net/url"
	"slices"
)

// Presenter turns a document reference from the responder into the value shown to the caller.
type Presenter func(documentURL string) string

// GoogleDocsViewer wraps the document in the embeddable Google Docs viewer.
func GoogleDocsViewer(documentURL string) string {
	return "https://docs.google.com/gview?url=" + url.QueryEscape(documentURL) + "&embedded=true"
}

// Identity returns the document reference unchanged.
func Identity(documentURL string) string {
	return documentURL
}

// Interpreter classifies one response blob. It never reads the store.
type Interpreter struct {
	ResultField     string
	SuccessStatuses []string
	Presenter       Presenter
}

// Interpret returns a StatusSucceeded result when content is a JSON object with a success status
// and a non-empty string in ResultField, and StatusUnexpected carrying content otherwise.
// Malformed JSON and unexpected statuses are deliberately not distinguished.
func (in *Interpreter) Interpret(content []byte) Result {
	raw := string(content)

	var response map[string]any
	if err := json.Unmarshal(content, &response); err != nil {
		return Result{Status: StatusUnexpected, Raw: raw}
	}

	status, _ := response["status"].(string)
	documentURL, _ := response[in.ResultField].(string)
	if !slices.Contains(in.SuccessStatuses, status) || documentURL == "" {
		return Result{Status: StatusUnexpected, Raw: raw}
	}

	present := in.Presenter
	if present == nil {
		present = Identity
	}
	return Result{
		Status:      StatusSucceeded,
		Value:       present(documentURL),
		DocumentURL: documentURL,
		Raw:         raw,
	}
}
