// Package template renders the final human-readable message text for a
// notification. Rendering is a pure function of the notification row: it
// never fails, and unresolved placeholders render as empty strings.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/db"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Default message templates per notification type. CUSTOM notifications
// carry their own body in the "message" template variable.
var defaultTemplates = map[db.Type]string{
	db.TypeConfirmation: "Olá {{client_name}}! Seu agendamento de {{service_name}} está confirmado para {{date}} às {{time}}. Até lá! 💈",
	db.TypeReminder24h:  "Oi {{client_name}}! Lembrete: amanhã às {{time}} você tem {{service_name}} agendado. Nos vemos em breve!",
	db.TypeReminder1h30: "Oi {{client_name}}! Seu horário de {{service_name}} é daqui a pouco, às {{time}}. Já está a caminho?",
	db.TypeCancelled:    "Olá {{client_name}}, seu agendamento de {{service_name}} em {{date}} às {{time}} foi cancelado. Esperamos você em outra oportunidade!",
	db.TypeRescheduled:  "Olá {{client_name}}! Seu agendamento de {{service_name}} foi remarcado para {{date}} às {{time}}.",
	db.TypeCompleted:    "Obrigado pela visita, {{client_name}}! Esperamos que tenha gostado de {{service_name}}. Até a próxima! ✨",
	db.TypeBirthday:     "Parabéns, {{client_name}}! 🎉 {{salon_name}} deseja um feliz aniversário. Temos um presente esperando por você!",
	db.TypeCustom:       "{{message}}",
}

// Renderer substitutes a notification's template variables into the
// template for its type.
type Renderer struct {
	templates map[db.Type]string
}

// NewRenderer returns a renderer with the built-in templates.
func NewRenderer() *Renderer {
	return &Renderer{templates: defaultTemplates}
}

// Render produces the final message text. Variables are applied in the
// order they appear in the stored mapping; a placeholder with no matching
// variable renders empty rather than leaking template syntax into a
// customer-facing message.
func (r *Renderer) Render(n *db.Notification) string {
	tmpl, ok := r.templates[n.Type]
	if !ok {
		tmpl = r.templates[db.TypeCustom]
	}

	vars := parseVars(n.TemplateVars)
	out := tmpl
	for _, v := range vars {
		out = strings.ReplaceAll(out, "{{"+v.Key+"}}", v.Value)
		out = strings.ReplaceAll(out, "{{ "+v.Key+" }}", v.Value)
	}

	return placeholderPattern.ReplaceAllString(out, "")
}

// Var is a single ordered template variable.
type Var struct {
	Key   string
	Value string
}

// parseVars decodes the stored JSON object preserving document order.
// Non-string values are stringified; malformed input yields no variables.
func parseVars(raw json.RawMessage) []Var {
	if len(raw) == 0 {
		return nil
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil
	}

	var vars []Var
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return vars
		}
		key, ok := keyTok.(string)
		if !ok {
			return vars
		}

		var value any
		if err := dec.Decode(&value); err != nil {
			return vars
		}
		vars = append(vars, Var{Key: key, Value: stringify(value)})
	}
	return vars
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
