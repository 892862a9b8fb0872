// Package permission defines the closed set of authorization dimensions and
// the derived access-fact tuple shared by the resolution and materialization
// paths.
package permission

import "fmt"

// Type identifies why a supervisor is authorized to view a record. The set
// is closed: consumers switch exhaustively over the three variants so that
// adding a dimension is a compile-time-visible change.
type Type int

const (
	// TypeHandle authorizes records directly processed by a subordinate.
	TypeHandle Type = iota + 1
	// TypeOrder authorizes records belonging to an order owned by a subordinate.
	TypeOrder
	// TypeCustomer authorizes records belonging to a customer administered by a subordinate.
	TypeCustomer
)

// Types returns all dimensions in canonical order.
func Types() []Type {
	return []Type{TypeHandle, TypeOrder, TypeCustomer}
}

func (t Type) String() string {
	switch t {
	case TypeHandle:
		return "handle"
	case TypeOrder:
		return "order"
	case TypeCustomer:
		return "customer"
	default:
		return fmt.Sprintf("permission.Type(%d)", int(t))
	}
}

// IsValid reports whether t is one of the three defined dimensions.
func (t Type) IsValid() bool {
	switch t {
	case TypeHandle, TypeOrder, TypeCustomer:
		return true
	default:
		return false
	}
}

// ParseType converts the wire/storage tag into a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "handle":
		return TypeHandle, nil
	case "order":
		return TypeOrder, nil
	case "customer":
		return TypeCustomer, nil
	default:
		return 0, fmt.Errorf("unknown permission type: %q", s)
	}
}

// Mask is a bit set of permission types. A record reachable through more
// than one dimension carries every contributing type in its mask.
type Mask uint8

// With returns m with t added.
func (m Mask) With(t Type) Mask {
	return m | 1<<uint(t)
}

// Has reports whether t is present in the mask.
func (m Mask) Has(t Type) bool {
	return m&(1<<uint(t)) != 0
}

// Types expands the mask into its contributing types, canonical order.
func (m Mask) Types() []Type {
	var out []Type
	for _, t := range Types() {
		if m.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Strings returns the string tags for every type in the mask.
func (m Mask) Strings() []string {
	types := m.Types()
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, t.String())
	}
	return out
}
