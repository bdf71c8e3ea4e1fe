package impl

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

const (
	maxQuestionChars     = 2000
	maxSessionIDChars    = 64
	maxDocScopeEntries   = 50
	maxFeedbackNoteChars = 2000
)

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors", len(e))
}

// AsServiceError folds the collection into a single corrupt-input
// error, or nil when everything validated.
func (e ValidationErrors) AsServiceError() error {
	if len(e) == 0 {
		return nil
	}
	return services.WrapError(services.KindCorruptInput, e[0].Error(), e)
}

// ValidateQueryRequest checks the request shape before any governor is
// charged. The question is expected to be trimmed already.
func ValidateQueryRequest(req models.QueryRequest) ValidationErrors {
	var errors ValidationErrors

	if req.Question == "" {
		errors = append(errors, ValidationError{Field: "question", Message: "question is required"})
	}
	if len([]rune(req.Question)) > maxQuestionChars {
		errors = append(errors, ValidationError{Field: "question", Message: fmt.Sprintf("question must be %d characters or less", maxQuestionChars)})
	}

	if len(req.SessionID) > maxSessionIDChars {
		errors = append(errors, ValidationError{Field: "session_id", Message: fmt.Sprintf("session_id must be %d characters or less", maxSessionIDChars)})
	}

	if req.TopK != nil && *req.TopK < 0 {
		errors = append(errors, ValidationError{Field: "top_k", Message: "top_k must be non-negative"})
	}

	if len(req.DocScope) > maxDocScopeEntries {
		errors = append(errors, ValidationError{Field: "doc_scope", Message: fmt.Sprintf("doc_scope must list %d documents or fewer", maxDocScopeEntries)})
	}
	for i, id := range req.DocScope {
		if id == uuid.Nil {
			errors = append(errors, ValidationError{Field: fmt.Sprintf("doc_scope[%d]", i), Message: "document ID must not be empty"})
		}
	}

	return errors
}

var validFeedbackIssues = map[models.FeedbackIssue]bool{
	models.FeedbackIssueIncorrect:  true,
	models.FeedbackIssueIncomplete: true,
	models.FeedbackIssueIrrelevant: true,
	models.FeedbackIssueOutdated:   true,
	models.FeedbackIssueUnclear:    true,
	models.FeedbackIssueOther:      true,
}

// ValidateFeedbackRequest checks a rating submission.
func ValidateFeedbackRequest(req models.FeedbackRequest) ValidationErrors {
	var errors ValidationErrors

	if req.MessageID == uuid.Nil {
		errors = append(errors, ValidationError{Field: "message_id", Message: "message_id is required"})
	}

	if req.Rating != 1 && req.Rating != -1 {
		errors = append(errors, ValidationError{Field: "rating", Message: "rating must be 1 or -1"})
	}

	if req.IssueType != "" && !validFeedbackIssues[req.IssueType] {
		errors = append(errors, ValidationError{
			Field:   "issue_type",
			Message: fmt.Sprintf("invalid issue type '%s', must be one of: incorrect, incomplete, irrelevant, outdated, unclear, other", req.IssueType),
		})
	}

	if len([]rune(strings.TrimSpace(req.Note))) > maxFeedbackNoteChars {
		errors = append(errors, ValidationError{Field: "note", Message: fmt.Sprintf("note must be %d characters or less", maxFeedbackNoteChars)})
	}

	return errors
}
