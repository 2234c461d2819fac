// Package address contains the value types published through the
// coordination store by an elected leader: the leadership session identity
// and the endpoint clients should connect to.
package address

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// SessionID identifies one leadership term. A fresh value is minted each
// time a contender is granted leadership, so a notification carrying a stale
// SessionID can be told apart from the current term. Compared by equality
// only.
type SessionID string

// NoSession is the zero SessionID, held by nobody.
const NoSession SessionID = ""

// NewSessionID mints a unique SessionID.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Address is the connection endpoint a leader publishes: a resolvable
// host/port plus the routing path of the target service within the leader
// process, tied to the session that produced it. Addresses are immutable; a
// new election always produces a new Address.
type Address struct {
	Host    string    `json:"host"`
	Port    int       `json:"port"`
	Path    string    `json:"path"`
	Session SessionID `json:"session"`
}

// HostPort returns the dialable "host:port" form of the endpoint.
func (a *Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a *Address) String() string {
	return a.HostPort() + a.Path
}

// Encode serializes the Address as a store entry payload.
func (a *Address) Encode() ([]byte, error) {
	data, marshalErr := json.Marshal(a)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to serialize address %s: %w", a, marshalErr)
	}
	return data, nil
}

// Decode deserializes a store entry payload produced by Encode.
func Decode(data []byte) (*Address, error) {
	a := Address{}
	if unmarshalErr := json.Unmarshal(data, &a); unmarshalErr != nil {
		return nil, fmt.Errorf("malformed address payload: %w", unmarshalErr)
	}
	return &a, nil
}
