// Package budget decides which conversation turns fit into a backend's
// context window and assembles the message payload sent to the backend.
package budget

import (
	"log"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the subword encoding used as a proxy for every backend
const DefaultEncoding = "cl100k_base"

// encodings are read from data embedded in the binary, never downloaded
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// charsPerToken is the ratio used when no tokenizer is available
const charsPerToken = 4

// Estimator converts text into an approximate token cost
type Estimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a plain function to the Estimator interface
type EstimatorFunc func(text string) int

// Estimate implements Estimator
func (f EstimatorFunc) Estimate(text string) int {
	return f(text)
}

// CharEstimator approximates tokens as one per four characters, never less than one
type CharEstimator struct{}

// Estimate implements Estimator
func (CharEstimator) Estimate(text string) int {
	n := (utf8.RuneCountInString(text) + charsPerToken - 1) / charsPerToken
	if n < 1 {
		return 1
	}
	return n
}

// TiktokenEstimator counts tokens with a BPE encoding. The encoding is loaded
// on first use; if it cannot be loaded the estimator falls back to CharEstimator
// for the rest of the process lifetime.
type TiktokenEstimator struct {
	encoding string

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback CharEstimator
}

// NewTiktokenEstimator creates an estimator for the named encoding
func NewTiktokenEstimator(encoding string) *TiktokenEstimator {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TiktokenEstimator{encoding: encoding}
}

func (e *TiktokenEstimator) load() {
	enc, err := tiktoken.GetEncoding(e.encoding)
	if err != nil {
		log.Printf("Tokenizer %s unavailable, using character estimate: %v", e.encoding, err)
		return
	}
	e.enc = enc
}

// Estimate implements Estimator
func (e *TiktokenEstimator) Estimate(text string) int {
	e.once.Do(e.load)
	if e.enc == nil {
		return e.fallback.Estimate(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Exact reports whether the tokenizer loaded (false means the character fallback is in use)
func (e *TiktokenEstimator) Exact() bool {
	e.once.Do(e.load)
	return e.enc != nil
}
