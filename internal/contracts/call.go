// Package contracts builds the Move calls submitted to the marketplace packages.
// Builders are pure: they assemble a Call from already-converted arguments and never fail.
// Submission, and any failure that comes with it, belongs to the ledger client.
package contracts

import (
	"fmt"
	"strconv"
)

// ArgKind tags how an argument is passed to a Move function.
type ArgKind string

const (
	ArgObject ArgKind = "object" // Object id, passed by reference
	ArgString ArgKind = "string" // UTF-8 string, encoded as vector<u8>
	ArgU64    ArgKind = "u64"    // Unsigned 64-bit integer
)

// Arg is one ordered, typed argument of a Call.
type Arg struct {
	Kind   ArgKind `json:"kind"`
	ID     string  `json:"id,omitempty"`    // Set for ArgObject
	Text   string  `json:"text,omitempty"`  // Set for ArgString
	Value  uint64  `json:"value,omitempty"` // Set for ArgU64
}

// Object returns an object-reference argument.
func Object(id string) Arg { return Arg{Kind: ArgObject, ID: id} }

// String returns a string argument.
func String(s string) Arg { return Arg{Kind: ArgString, Text: s} }

// U64 returns a u64 argument.
func U64(v uint64) Arg { return Arg{Kind: ArgU64, Value: v} }

// RPCValue returns the JSON-RPC encoding of the argument.
// u64 values are sent as decimal strings so they survive JSON number precision.
func (a Arg) RPCValue() interface{} {
	switch a.Kind {
	case ArgObject:
		return a.ID
	case ArgU64:
		return strconv.FormatUint(a.Value, 10)
	default:
		return a.Text
	}
}

func (a Arg) String() string {
	switch a.Kind {
	case ArgObject:
		return "@" + a.ID
	case ArgU64:
		return strconv.FormatUint(a.Value, 10)
	default:
		return strconv.Quote(a.Text)
	}
}

// Call describes one Move function invocation ready for signing.
type Call struct {
	Package  string   `json:"package"`
	Module   string   `json:"module"`
	Function string   `json:"function"`
	TypeArgs []string `json:"typeArgs,omitempty"`
	Args     []Arg    `json:"args"`
}

// Target returns the fully qualified function name, package::module::function.
func (c Call) Target() string {
	return fmt.Sprintf("%s::%s::%s", c.Package, c.Module, c.Function)
}

// RPCArgs returns the arguments in their JSON-RPC encoding, in call order.
func (c Call) RPCArgs() []interface{} {
	out := make([]interface{}, len(c.Args))
	for i, a := range c.Args {
		out[i] = a.RPCValue()
	}
	return out
}
