// Package tokens estimates how large the transcript resent with each user turn is.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/weaviate/tiktoken-go"

	"github.com/go-go-golems/chatbridge/pkg/chat"
)

const DefaultEncoding = "cl100k_base"

// Stats summarizes a transcript.
type Stats struct {
	Turns  int `json:"turns" yaml:"turns"`
	Blocks int `json:"blocks" yaml:"blocks"`
	Images int `json:"images" yaml:"images"`
	Tokens int `json:"tokens" yaml:"tokens"`
	// Approximate is set when no tokenizer could be loaded and Tokens is a
	// character based guess.
	Approximate bool `json:"approximate" yaml:"approximate"`
}

type Counter interface {
	Count(text string) int
}

type CounterFunc func(string) int

func (f CounterFunc) Count(text string) int { return f(text) }

// Approximate guesses four characters per token.
var Approximate = CounterFunc(func(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
})

type Estimator struct {
	encoding string

	once        sync.Once
	counter     Counter
	approximate bool
}

func NewEstimator(encoding string) *Estimator {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Estimator{encoding: encoding}
}

// NewEstimatorWithCounter skips tokenizer loading; used by tests and callers
// that bring their own tokenizer.
func NewEstimatorWithCounter(c Counter) *Estimator {
	e := &Estimator{counter: c}
	e.once.Do(func() {})
	return e
}

func (e *Estimator) load() {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			log.Warn().Err(err).Str("component", "tokens").Str("encoding", e.encoding).Msg("tokenizer unavailable, approximating")
			e.counter = Approximate
			e.approximate = true
			return
		}
		e.counter = CounterFunc(func(text string) int {
			return len(enc.Encode(text, nil, nil))
		})
	})
}

func (e *Estimator) Count(text string) int {
	e.load()
	return e.counter.Count(text)
}

// Transcript counts the tokens of every text-bearing block. Inline images are
// counted separately since their token cost depends on the provider.
func (e *Estimator) Transcript(t chat.Transcript) Stats {
	e.load()
	s := Stats{Turns: len(t), Approximate: e.approximate}
	for _, turn := range t {
		for _, b := range turn.Content {
			s.Blocks++
			switch b.Type {
			case chat.BlockText:
				s.Tokens += e.counter.Count(b.Text)
			case chat.BlockToolResult:
				if b.Result == nil {
					continue
				}
				s.Tokens += e.counter.Count(b.Result.Output)
				s.Tokens += e.counter.Count(b.Result.Error)
				s.Tokens += e.counter.Count(b.Result.System)
				if b.Result.Base64Image != "" {
					s.Images++
				}
			default:
				s.Tokens += e.counter.Count(string(b.Raw()))
			}
		}
	}
	return s
}
