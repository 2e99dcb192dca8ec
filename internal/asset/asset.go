// Package asset handles token identifier parsing, validation, and the
// registry of tokens the engine will price, hold, and pay out.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Token classes.
const (
	ClassNative    = "NATIVE"    // chain asset paid as an attached value
	ClassReference = "REFERENCE" // stable unit all values are expressed in
	ClassSynthetic = "SYNTHETIC" // mintable by the pool on shortfall
	ClassBacked    = "BACKED"    // real asset, never minted
)

// idRegex matches token identifiers such as X, ETH, sUSD or WSTETH2.
var idRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{0,15}$`)

// defaultDecimals is the base-unit scale of a token configured without one.
const defaultDecimals uint8 = 18

var (
	ErrInvalidToken = errors.New("asset: invalid token identifier")
	ErrUnknownToken = errors.New("asset: unknown token")
	ErrDuplicate    = errors.New("asset: token registered twice")
	ErrDecimals     = errors.New("asset: token decimals differ from the reference token")
)

// Token describes one registered asset.
type Token struct {
	ID       string `json:"id"`
	Decimals uint8  `json:"decimals"`
	Class    string `json:"class"`
}

// Mintable reports whether the pool may expand supply of the token.
func (t Token) Mintable() bool {
	return t.Class == ClassSynthetic || t.Class == ClassReference
}

// ParseID validates a token identifier and returns it trimmed.
// Format: a letter followed by up to 15 letters or digits.
func ParseID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !idRegex.MatchString(id) {
		return "", fmt.Errorf("%w: %q (expected 1-16 alphanumerics starting with a letter)",
			ErrInvalidToken, id)
	}
	return id, nil
}

// Spec is the configuration form of a token.
type Spec struct {
	ID        string
	Decimals  uint8
	Synthetic bool
}

// Registry is the immutable set of tokens known to the engine. Exactly one
// native and one reference token exist.
type Registry struct {
	native    string
	reference string
	tokens    map[string]Token
}

// NewRegistry builds a registry. The native and reference tokens are added
// implicitly when missing from specs; the reference token is always mintable,
// the native token never is.
//
// Values are computed as amount*price with no per-token rescaling, so every
// token must share the reference token's decimals.
func NewRegistry(native, reference string, specs []Spec) (*Registry, error) {
	native, err := ParseID(native)
	if err != nil {
		return nil, fmt.Errorf("native token: %w", err)
	}
	reference, err = ParseID(reference)
	if err != nil {
		return nil, fmt.Errorf("reference token: %w", err)
	}
	if native == reference {
		return nil, fmt.Errorf("%w: native and reference token are both %s", ErrDuplicate, native)
	}

	scale := defaultDecimals
	for _, s := range specs {
		if strings.TrimSpace(s.ID) == reference && s.Decimals != 0 {
			scale = s.Decimals
		}
	}

	r := &Registry{
		native:    native,
		reference: reference,
		tokens:    make(map[string]Token, len(specs)+2),
	}
	for _, s := range specs {
		id, err := ParseID(s.ID)
		if err != nil {
			return nil, err
		}
		if _, ok := r.tokens[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
		}
		class := ClassBacked
		switch {
		case id == native:
			class = ClassNative
		case id == reference:
			class = ClassReference
		case s.Synthetic:
			class = ClassSynthetic
		}
		decimals := s.Decimals
		if decimals == 0 {
			decimals = scale
		}
		if decimals != scale {
			return nil, fmt.Errorf("%w: %s has %d, %s has %d", ErrDecimals, id, decimals, reference, scale)
		}
		r.tokens[id] = Token{ID: id, Decimals: decimals, Class: class}
	}
	if _, ok := r.tokens[native]; !ok {
		r.tokens[native] = Token{ID: native, Decimals: scale, Class: ClassNative}
	}
	if _, ok := r.tokens[reference]; !ok {
		r.tokens[reference] = Token{ID: reference, Decimals: scale, Class: ClassReference}
	}
	return r, nil
}

// Native returns the native-asset sentinel identifier.
func (r *Registry) Native() string { return r.native }

// Reference returns the reference-denomination token identifier.
func (r *Registry) Reference() string { return r.reference }

// IsNative reports whether id is the native asset.
func (r *Registry) IsNative(id string) bool { return id == r.native }

// IsReference reports whether id is the reference token.
func (r *Registry) IsReference(id string) bool { return id == r.reference }

// Get looks up a token by identifier.
func (r *Registry) Get(id string) (Token, error) {
	t, ok := r.tokens[strings.TrimSpace(id)]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, id)
	}
	return t, nil
}

// List returns all tokens sorted by identifier.
func (r *Registry) List() []Token {
	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
