package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"chat_fanout/internal/apperr"
)

var validate = validator.New()

// Validate runs struct validation over v and reports failures as malformed input.
func Validate(op string, v any) error {
	if err := validate.Struct(v); err != nil {
		return apperr.Malformed(op, err)
	}
	return nil
}

// NormalizeContent trims content and enforces that it is non-empty and at most maxLen characters.
func NormalizeContent(content string, maxLen int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperr.Malformed("domain.NormalizeContent", fmt.Errorf("content is empty"))
	}
	if maxLen > 0 && utf8.RuneCountInString(content) > maxLen {
		return "", apperr.Malformed("domain.NormalizeContent", fmt.Errorf("content exceeds %d characters", maxLen))
	}
	return content, nil
}

// Normalize trims and validates a queued event in place.
func (e *ChatEvent) Normalize(maxLen int) error {
	content, err := NormalizeContent(e.Content, maxLen)
	if err != nil {
		return err
	}
	e.Content = content
	return Validate("domain.ChatEvent", e)
}
