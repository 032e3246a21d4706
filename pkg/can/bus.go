// Package can provides a registry of pluggable conode.Bus implementations,
// selected by name at runtime (e.g. "socketcan", "virtual"). Each
// implementation registers itself from an init() function, the way the
// teacher's driver packages do.
package can

import (
	"fmt"

	conode "github.com/canopen-go/conode"
)

// Bus re-exports the root package's transport contract so driver packages
// only need to import "pkg/can", not the root module, to implement one.
type Bus = conode.Bus

// NewInterfaceFunc constructs a transport for the named channel (e.g. "can0"
// for SocketCAN, or an arbitrary tag for the virtual bus).
type NewInterfaceFunc func(channel string) (Bus, error)

// AvailableInterfaces maps a registered interface name to its constructor.
var AvailableInterfaces = make(map[string]NewInterfaceFunc)

// ImplementedInterfaces lists interface names this module knows about,
// whether or not they were compiled in (useful for producing a clearer
// error than "unsupported").
var ImplementedInterfaces = []string{"socketcan", "virtual", "virtualcan"}

// RegisterInterface makes a transport constructor available under name.
// Driver packages call this from an init() function.
func RegisterInterface(name string, newInterface NewInterfaceFunc) {
	AvailableInterfaces[name] = newInterface
}

// NewBus constructs a transport of the given interface type.
func NewBus(interfaceName string, channel string) (Bus, error) {
	newInterface, ok := AvailableInterfaces[interfaceName]
	if !ok {
		return nil, fmt.Errorf("can: unsupported interface %q", interfaceName)
	}
	return newInterface(channel)
}
