package cluster

import (
	"fmt"
	"strings"
)

// NormalizeKeys returns a copy of template with lower-cased keys.
func NormalizeKeys(template map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(template))
	for k, v := range template {
		out[strings.ToLower(k)] = v
	}
	return out
}

// FunctionFromDocument converts a FUNCTION document into a Function.
// A document of any other type is reported as ErrNotFound.
func FunctionFromDocument(doc *Document) (*Function, error) {
	if err := expectType(doc, DocumentFunction); err != nil {
		return nil, err
	}
	attrs := NormalizeKeys(doc.Template)
	return &Function{
		ID:         doc.ID,
		Lang:       stringAttr(attrs, "lang"),
		FC:         stringAttr(attrs, "fc"),
		FCHash:     stringAttr(attrs, "fc_hash"),
		Attributes: attrs,
	}, nil
}

// RequirementFromDocument converts an APP_REQUIREMENT document into a Requirement.
func RequirementFromDocument(doc *Document) (*Requirement, error) {
	if err := expectType(doc, DocumentAppRequirement); err != nil {
		return nil, err
	}
	attrs := NormalizeKeys(doc.Template)
	flavour := stringAttr(attrs, "flavour")
	if flavour == "" {
		return nil, fmt.Errorf("requirement %d has no FLAVOUR: %w", doc.ID, ErrNotFound)
	}
	return &Requirement{
		ID:             doc.ID,
		Flavour:        flavour,
		RuntimeVersion: stringAttr(attrs, "runtime_version"),
		Attributes:     attrs,
	}, nil
}

func expectType(doc *Document, want DocumentType) error {
	if doc == nil {
		return ErrNotFound
	}
	if doc.Type != want {
		return fmt.Errorf("resource %d is not of type %s: %w", doc.ID, want, ErrNotFound)
	}
	return nil
}

func stringAttr(attrs map[string]interface{}, key string) string {
	v, ok := attrs[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
