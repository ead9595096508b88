package requeue

import (
	"encoding/json"
	"iter"
	"strings"

	"github.com/michaelmcclelland/nimbus-requeue/internal/queue"
)

const DefaultIDPath = "Attributes.MessageId"

// Selector picks messages whose embedded identifier equals Filter.
// An empty Filter selects everything.
type Selector struct {
	Filter string
	path   []string
}

// NewSelector builds a selector reading the identifier at a dot-separated
// path into the JSON body.
func NewSelector(filter, idPath string) *Selector {
	if idPath == "" {
		idPath = DefaultIDPath
	}
	return &Selector{Filter: filter, path: strings.Split(idPath, ".")}
}

// Select filters seq with the default identifier path.
func Select(seq iter.Seq2[queue.DeadLetter, error], filter string) iter.Seq2[queue.DeadLetter, error] {
	return NewSelector(filter, DefaultIDPath).Select(seq)
}

// Select yields the matching messages of seq lazily. Errors are passed through.
func (s *Selector) Select(seq iter.Seq2[queue.DeadLetter, error]) iter.Seq2[queue.DeadLetter, error] {
	return func(yield func(queue.DeadLetter, error) bool) {
		for msg, err := range seq {
			if err != nil {
				if !yield(msg, err) {
					return
				}
				continue
			}
			if !s.Match(msg) {
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Match never fails: an unparsable body or a missing identifier is a non-match.
func (s *Selector) Match(msg queue.DeadLetter) bool {
	if s.Filter == "" {
		return true
	}
	id, ok := s.ID(msg.Body)
	return ok && id == s.Filter
}

// ID extracts the identifier from body. Only string values count.
func (s *Selector) ID(body []byte) (string, bool) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false
	}
	for _, field := range s.path {
		obj, ok := doc.(map[string]any)
		if !ok {
			return "", false
		}
		doc, ok = obj[field]
		if !ok {
			return "", false
		}
	}
	id, ok := doc.(string)
	return id, ok
}
