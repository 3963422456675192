package wire

import (
	"fmt"
	"strings"
)

// Address identifies a message handler within the mesh: the context (process)
// that hosts it, plus the object name inside that context. It mirrors
// messaging.py's QMI_MessageHandlerAddress NamedTuple.
//
// Well-known object names ("$context", "$pubsub") are not special-cased by
// this type; they are ordinary values, the same way grinta treats every
// Endpoint name uniformly regardless of whether application code or the
// library itself registered it.
type Address struct {
	ContextName string
	ObjectName  string
}

// String renders the textual form spec §6 defines: "context:object".
func (a Address) String() string {
	return a.ContextName + ":" + a.ObjectName
}

// ParseAddress parses the textual form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Address{}, fmt.Errorf("wire: malformed address %q", s)
	}
	return Address{ContextName: s[:idx], ObjectName: s[idx+1:]}, nil
}

func (a Address) IsZero() bool {
	return a.ContextName == "" && a.ObjectName == ""
}
