package jwt

import (
	"strings"
	"time"
)

// StringSet es la representación canónica de scopes y roles.
// Los claims llegan como string space-delimited o como array según el
// issuer; se normalizan acá, en el borde, y todo lo downstream opera
// sobre este tipo.
type StringSet map[string]struct{}

// NewStringSet crea un set a partir de valores sueltos.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s.add(v)
	}
	return s
}

func (s StringSet) add(v string) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v != "" {
		s[v] = struct{}{}
	}
}

// Has verifica pertenencia (case-insensitive).
func (s StringSet) Has(v string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

// Values devuelve los elementos como slice (orden no garantizado).
func (s StringSet) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// Identity es el resultado de verificar un token. Vive lo que dura el
// request; nunca se persiste.
type Identity struct {
	Subject   string
	Issuer    string
	Audience  []string
	Roles     StringSet
	Scopes    StringSet
	ExpiresAt time.Time
}

// IsService reporta si la identidad es machine-to-machine (rol reservado
// "service"). Estas identidades pueden acceder a rutas marcadas como
// machine-accessible aunque no tengan el scope humano.
func (id *Identity) IsService() bool {
	return id.Roles.Has(ServiceRole)
}

// ServiceRole es el marcador reservado para identidades de servicio.
const ServiceRole = "service"

// normalizeToSet acepta los formatos de claim que usan los distintos
// issuers y los lleva a StringSet:
//   - string space-delimited ("read:scholarships write:scholarships")
//   - []any de strings
//   - []string
func normalizeToSet(v any) StringSet {
	out := make(StringSet)
	switch val := v.(type) {
	case string:
		for _, f := range strings.Fields(val) {
			out.add(f)
		}
	case []any:
		for _, i := range val {
			if s, ok := i.(string); ok {
				out.add(s)
			}
		}
	case []string:
		for _, s := range val {
			out.add(s)
		}
	}
	return out
}
