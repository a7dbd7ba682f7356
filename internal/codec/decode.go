package codec

import (
	"fmt"
	"strings"

	"tblbridge/api/internal/capacity"
)

// Behavior tells a renderer which component to mount for a code and how it behaves.
type Behavior struct {
	Component   string `json:"component"`
	Rendering   string `json:"rendering"`
	Interaction string `json:"interaction"`
}

type Info struct {
	Valid         bool              `json:"isValid"`
	Code          string            `json:"code"`
	Type          TypeDigit         `json:"type,omitempty"`
	Capacity      capacity.Capacity `json:"capacity,omitempty"`
	Name          string            `json:"name,omitempty"`
	TypeLabel     string            `json:"typeLabel,omitempty"`
	CapacityLabel string            `json:"capacityLabel,omitempty"`
	Behavior      Behavior          `json:"behavior"`
	Dependencies  bool              `json:"dependencies"`
	Errors        []string          `json:"errors"`
	Warnings      []string          `json:"warnings"`
}

type typeSpec struct {
	label       string
	component   string
	interaction string
}

var typeSpecs = map[TypeDigit]typeSpec{
	Branch:      {label: "Branche", component: "Tab", interaction: "navigate"},
	SubBranch:   {label: "Sous-branche", component: "Dropdown", interaction: "select"},
	Field:       {label: "Champ", component: "InputField", interaction: "input"},
	Option:      {label: "Option", component: "Option", interaction: "choose"},
	OptionField: {label: "Option + champ", component: "OptionField", interaction: "choose-then-input"},
	DataField:   {label: "Champ données", component: "DataField", interaction: "read-only"},
	Section:     {label: "Section", component: "Section", interaction: "container"},
}

var capacityLabels = map[capacity.Capacity]string{
	capacity.Neutral:   "Neutre",
	capacity.Formula:   "Formule",
	capacity.Condition: "Condition",
	capacity.Table:     "Tableau",
}

var capacityRendering = map[capacity.Capacity]string{
	capacity.Neutral:   "static",
	capacity.Formula:   "computed",
	capacity.Condition: "conditional",
	capacity.Table:     "tabular",
}

// TypeLabel returns the human label of a type digit, or "" when unknown.
func TypeLabel(t TypeDigit) string {
	return typeSpecs[t].label
}

func CapacityLabel(c capacity.Capacity) string {
	return capacityLabels[c]
}

// Decode parses a code. It never panics; problems are reported in Info.Errors and
// coherence oddities in Info.Warnings (warnings never invalidate a code).
func Decode(code string) Info {
	info := Info{Code: code, Errors: []string{}, Warnings: []string{}}

	if strings.TrimSpace(code) == "" {
		info.Errors = append(info.Errors, "Code vide")
		return info
	}
	prefix, name, found := strings.Cut(code, "-")
	if !found {
		info.Errors = append(info.Errors, fmt.Sprintf("Format invalide: tiret manquant dans %q", code))
		return info
	}
	if len(prefix) != 2 {
		info.Errors = append(info.Errors, fmt.Sprintf("Préfixe invalide: %q (2 chiffres attendus)", prefix))
		return info
	}

	typeDigit := TypeDigit(prefix[:1])
	capacityDigit := capacity.Capacity(prefix[1:])
	if !typeDigit.Valid() {
		info.Errors = append(info.Errors, fmt.Sprintf("Type inconnu: %s (attendu 1-7)", typeDigit))
	}
	if !capacityDigit.Valid() {
		info.Errors = append(info.Errors, fmt.Sprintf("Capacité inconnue: %s (attendue 1-4)", capacityDigit))
	}
	if name == "" {
		info.Errors = append(info.Errors, "Nom manquant après le préfixe")
	} else if !IsValid("11-" + name) {
		info.Errors = append(info.Errors, fmt.Sprintf("Nom invalide: %q (a-z, 0-9 et - uniquement)", name))
	}
	if len(info.Errors) > 0 {
		return info
	}

	spec := typeSpecs[typeDigit]
	info.Valid = true
	info.Type = typeDigit
	info.Capacity = capacityDigit
	info.Name = name
	info.TypeLabel = spec.label
	info.CapacityLabel = capacityLabels[capacityDigit]
	info.Behavior = Behavior{
		Component:   spec.component,
		Rendering:   capacityRendering[capacityDigit],
		Interaction: spec.interaction,
	}
	info.Dependencies = capacityDigit != capacity.Neutral
	info.Warnings = coherence(typeDigit, capacityDigit)
	return info
}

func coherence(t TypeDigit, c capacity.Capacity) []string {
	warnings := []string{}
	switch t {
	case Option, OptionField:
		if c == capacity.Formula || c == capacity.Condition {
			warnings = append(warnings, "Inhabituel: option avec formule/condition")
		}
	case Branch, SubBranch:
		if c != capacity.Neutral {
			warnings = append(warnings, "Inhabituel: branche avec capacité non neutre")
		}
	case Section:
		if c != capacity.Table {
			warnings = append(warnings, "Inhabituel: section sans tableau")
		}
	}
	return warnings
}

// FilterByCapacity keeps the valid codes carrying the given capacity, in input order.
func FilterByCapacity(codes []string, c capacity.Capacity) []string {
	out := []string{}
	for _, code := range codes {
		info := Decode(code)
		if info.Valid && info.Capacity == c {
			out = append(out, code)
		}
	}
	return out
}

// RequiredComponent names the renderer component for code, or "Error" when the code
// does not decode.
func RequiredComponent(code string) string {
	info := Decode(code)
	if !info.Valid {
		return "Error"
	}
	return info.Behavior.Component
}
