// Package recovery turns free-text model responses into a well-formed
// Document. Model output is not a reliable JSON emitter: payloads arrive
// wrapped in fences or prose, with typographic quotes and trailing commas.
// Recovery sanitises the text and then tries an ordered list of parse
// strategies until one succeeds.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrMalformedOutput is matched by every MalformedOutputError.
var ErrMalformedOutput = errors.New("malformed model output")

// MalformedOutputError reports that no strategy produced a valid Document.
// Raw is the unmodified model response, kept for diagnostics.
type MalformedOutputError struct {
	Raw      string
	Attempts []Attempt
}

// Attempt records why one strategy failed.
type Attempt struct {
	Strategy string
	Err      error
}

func (e *MalformedOutputError) Error() string {
	var b strings.Builder
	b.WriteString(ErrMalformedOutput.Error())
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Strategy, a.Err)
	}
	fmt.Fprintf(&b, " (response: %s)", truncate(e.Raw, 200))
	return b.String()
}

func (e *MalformedOutputError) Unwrap() error { return ErrMalformedOutput }

// Strategy is one way of finding a Document in sanitised text.
type Strategy struct {
	Name  string
	Parse func(text string) (*Document, error)
}

// DefaultStrategies is the strategy order used by Recover.
var DefaultStrategies = []Strategy{
	{Name: "direct", Parse: DirectParse},
	{Name: "balanced-brace", Parse: BalancedBraceParse},
}

// RepairStrategy rewrites broken JSON (unclosed brackets, single quotes,
// missing commas, Python literals) before decoding. It is not part of
// DefaultStrategies; use WithRepair to append it.
var RepairStrategy = Strategy{Name: "repair", Parse: RepairParse}

// WithRepair returns strategies followed by RepairStrategy.
func WithRepair(strategies []Strategy) []Strategy {
	out := make([]Strategy, 0, len(strategies)+1)
	out = append(out, strategies...)
	return append(out, RepairStrategy)
}

// Parser recovers Documents using an ordered list of strategies.
type Parser struct {
	strategies []Strategy
	onSuccess  func(strategy string)
}

// NewParser creates a Parser. With no strategies it uses DefaultStrategies.
func NewParser(strategies ...Strategy) *Parser {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	return &Parser{strategies: strategies}
}

// OnSuccess registers a callback invoked with the name of the winning
// strategy. It is used for metrics.
func (p *Parser) OnSuccess(fn func(strategy string)) *Parser {
	p.onSuccess = fn
	return p
}

// Recover sanitises raw and returns the first Document any strategy
// produces. When all strategies fail it returns a *MalformedOutputError.
func (p *Parser) Recover(raw string) (*Document, error) {
	text := Sanitize(raw)

	var attempts []Attempt
	for _, s := range p.strategies {
		doc, err := s.Parse(text)
		if err != nil {
			slog.Debug("recovery: strategy failed", "strategy", s.Name, "error", err)
			attempts = append(attempts, Attempt{Strategy: s.Name, Err: err})
			continue
		}
		if p.onSuccess != nil {
			p.onSuccess(s.Name)
		}
		return doc, nil
	}
	return nil, &MalformedOutputError{Raw: raw, Attempts: attempts}
}

var defaultParser = NewParser()

// Recover parses raw with the default strategies.
func Recover(raw string) (*Document, error) {
	return defaultParser.Recover(raw)
}

// DirectParse decodes the whole text as a Document.
func DirectParse(text string) (*Document, error) {
	return decodeDocument(strings.TrimSpace(text))
}

// BalancedBraceParse decodes the first balanced {...} span of text.
func BalancedBraceParse(text string) (*Document, error) {
	return decodeDocument(BalancedObject(text))
}

// RepairParse repairs the text from the first '{' onward and decodes the
// result. A balanced span is repaired on its own so trailing prose is
// dropped; an unbalanced one is repaired up to the end of text.
func RepairParse(text string) (*Document, error) {
	if i := strings.IndexByte(text, '{'); i >= 0 {
		text = text[i:]
	}
	repaired, err := jsonrepair.JSONRepair(BalancedObject(text))
	if err != nil {
		return nil, fmt.Errorf("repairing json: %w", err)
	}
	return decodeDocument(repaired)
}

// BalancedObject returns the substring starting at the first '{' and ending
// where brace depth first returns to zero. Braces inside string literals are
// counted like any other. If text has no '{' or the braces never balance,
// the whole text is returned.
func BalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return text
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
