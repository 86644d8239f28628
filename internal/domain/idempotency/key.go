// Package idempotency derives the dedupe hashes used by the enqueue gate.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/target/jobcoord/internal/domain/model"
)

// KeyInput is everything a key hash may depend on.
type KeyInput struct {
	Kind        model.JobKind
	ExplicitKey string
	Payload     json.RawMessage
	EligibleAt  *time.Time
}

// CanonicalJSON re-encodes raw with object keys sorted at every level and
// insignificant whitespace removed. Numbers keep their original text.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode payload: trailing data")
	}
	return marshalCanonical(v)
}

func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func formatEligible(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// KeyHash returns hash(kind|key|eligibleAt) when an explicit key is set and
// hash(kind|canonical(payload)|eligibleAt) otherwise.
func KeyHash(in KeyInput) (string, error) {
	if key := strings.TrimSpace(in.ExplicitKey); key != "" {
		return digest(string(in.Kind), key, formatEligible(in.EligibleAt)), nil
	}
	canonical, err := CanonicalJSON(in.Payload)
	if err != nil {
		return "", err
	}
	return digest(string(in.Kind), string(canonical), formatEligible(in.EligibleAt)), nil
}

// RequestHash fingerprints the request body so a reused explicit key with a
// different payload can be detected.
func RequestHash(in KeyInput) (string, error) {
	canonical, err := CanonicalJSON(in.Payload)
	if err != nil {
		return "", err
	}
	return digest(string(in.Kind), string(canonical), formatEligible(in.EligibleAt)), nil
}

// Projector narrows payloads to the fields that define request identity,
// using one JMESPath expression per kind.
type Projector struct {
	exprs map[model.JobKind]string
}

// NewProjector validates every expression up front.
func NewProjector(exprs map[model.JobKind]string) (*Projector, error) {
	out := make(map[model.JobKind]string, len(exprs))
	for kind, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("idempotency projection: invalid kind %q", kind)
		}
		if _, err := jmespath.Compile(expr); err != nil {
			return nil, fmt.Errorf("idempotency projection for %s: %w", kind, err)
		}
		out[kind] = expr
	}
	return &Projector{exprs: out}, nil
}

// ParseExpressions parses "kind=expr;kind=expr" pairs.
func ParseExpressions(raw string) (map[model.JobKind]string, error) {
	out := make(map[model.JobKind]string)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kindText, expr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("idempotency projection %q: expected kind=expression", pair)
		}
		var kind model.JobKind
		if err := kind.UnmarshalText([]byte(kindText)); err != nil {
			return nil, err
		}
		out[kind] = strings.TrimSpace(expr)
	}
	return out, nil
}

// Project returns the projected payload for kind, or payload unchanged when no
// expression is registered.
func (p *Projector) Project(kind model.JobKind, payload json.RawMessage) (json.RawMessage, error) {
	if p == nil {
		return payload, nil
	}
	expr, ok := p.exprs[kind]
	if !ok {
		return payload, nil
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	projected, err := jmespath.Search(expr, data)
	if err != nil {
		return nil, fmt.Errorf("project payload: %w", err)
	}
	raw, err := json.Marshal(projected)
	if err != nil {
		return nil, fmt.Errorf("encode projection: %w", err)
	}
	return raw, nil
}
