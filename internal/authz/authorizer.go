// Package authz decide allow/deny sobre identidades ya verificadas.
//
// La política de qué capability exige cada ruta es configuración por ruta
// (ver router), no una constante del paquete: el borde lectura/escritura
// es una decisión de deployment.
package authz

import (
	"errors"

	"github.com/becaflow/gateway/internal/jwt"
)

// ErrForbidden indica identidad válida pero sin la capability requerida.
// Nunca debe confundirse con un fallo de autenticación (401).
var ErrForbidden = errors.New("authz: forbidden")

// CapabilityKind distingue si la ruta exige un scope o un rol.
type CapabilityKind int

const (
	KindScope CapabilityKind = iota
	KindRole
)

// Capability es el requisito declarado por una ruta.
type Capability struct {
	Kind CapabilityKind
	Name string
	// MachineAccessible permite el paso a identidades de servicio
	// (rol "service") aunque no tengan el scope humano.
	MachineAccessible bool
}

// Scope construye una capability de tipo scope.
func Scope(name string) Capability {
	return Capability{Kind: KindScope, Name: name}
}

// Role construye una capability de tipo rol.
func Role(name string) Capability {
	return Capability{Kind: KindRole, Name: name}
}

// ForMachines marca la capability como accesible para identidades de
// servicio. Devuelve una copia.
func (c Capability) ForMachines() Capability {
	c.MachineAccessible = true
	return c
}

// Authorize decide si la identidad satisface la capability.
// Retorna nil (allow) o ErrForbidden.
func Authorize(id *jwt.Identity, required Capability) error {
	if id == nil {
		// Esto es un error de wiring: authorize corre después de auth.
		return ErrForbidden
	}
	if required.Name == "" {
		return nil
	}

	switch required.Kind {
	case KindScope:
		if id.Scopes.Has(required.Name) {
			return nil
		}
	case KindRole:
		if id.Roles.Has(required.Name) {
			return nil
		}
	}

	// Variante machine-to-machine: un servicio puede entrar a rutas
	// marcadas explícitamente, sin el scope humano.
	if required.MachineAccessible && id.IsService() {
		return nil
	}

	return ErrForbidden
}
