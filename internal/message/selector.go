// Package message picks the body sent to each recipient.
package message

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"wadispatch/internal/domain"
)

// TemplateSource is the part of the store the selector reads.
type TemplateSource interface {
	RandomTemplate(ctx context.Context, c domain.Category) (domain.Template, bool, error)
}

var greetings = map[domain.Category]string{
	domain.CategoryQuote:  "Assalamu alaikum! Here’s some motivation:\n\n",
	domain.CategoryVerse:  "Salam! A verse for you:\n\n",
	domain.CategoryHadith: "Peace be upon you. A hadith to reflect on:\n\n",
}

// Greeting returns the fixed prefix for category c.
func Greeting(c domain.Category) string { return greetings[c] }

type Message struct {
	Text       string
	IsImage    bool
	Category   domain.Category
	TemplateID int64
}

// Lines splits the text on newlines. Blank lines are kept so paragraph
// breaks survive typing.
func (m Message) Lines() []string {
	return strings.Split(strings.ReplaceAll(m.Text, "\r\n", "\n"), "\n")
}

type Selector struct {
	src TemplateSource

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(*Selector)

// WithRand fixes the random source used for the category draw.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) { s.rnd = r }
}

func NewSelector(src TemplateSource, opts ...Option) *Selector {
	s := &Selector{src: src}
	for _, o := range opts {
		o(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// Pick draws a category uniformly, then a template uniformly within it.
// Rare categories are weighted the same as full ones. An empty category
// yields domain.ErrNoTemplateAvailable.
func (s *Selector) Pick(ctx context.Context) (Message, error) {
	cats := domain.Categories()
	s.mu.Lock()
	cat := cats[s.rnd.IntN(len(cats))]
	s.mu.Unlock()

	t, ok, err := s.src.RandomTemplate(ctx, cat)
	if err != nil {
		return Message{}, fmt.Errorf("template %s: %w", cat, err)
	}
	if !ok {
		return Message{Category: cat}, fmt.Errorf("%w: category %s", domain.ErrNoTemplateAvailable, cat)
	}

	m := Message{Text: t.Content, IsImage: t.IsImage, Category: cat, TemplateID: t.ID}
	if !t.IsImage {
		m.Text = Greeting(cat) + t.Content
	}
	return m, nil
}
