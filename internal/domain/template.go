package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoTemplateAvailable = errors.New("no template available")
	ErrUnknownCategory     = errors.New("unknown template category")
)

type Category string

const (
	CategoryQuote  Category = "quote"
	CategoryVerse  Category = "verse"
	CategoryHadith Category = "hadith"
)

// Categories returns the fixed category set in a stable order.
func Categories() []Category {
	return []Category{CategoryQuote, CategoryVerse, CategoryHadith}
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryQuote, CategoryVerse, CategoryHadith:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Template is a stored candidate message body. Content is either text or an
// image reference when IsImage is set.
type Template struct {
	ID       int64    `json:"id" yaml:"id"`
	Category Category `json:"category" yaml:"category"`
	Content  string   `json:"content" yaml:"content"`
	IsImage  bool     `json:"is_image" yaml:"is_image"`
}
