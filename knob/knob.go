// Package knob reads named host configuration values from the compute side.
package knob

import (
	"errors"
	"fmt"
	"strconv"

	domainErrors "github.com/hostreflect/hostreflect/domain/errors"
	"github.com/hostreflect/hostreflect/reflection"
	"github.com/hostreflect/hostreflect/wireformat"
)

// Lookup returns the value of the named knob. The bool is false when the host
// has no such knob; any other non-OK status is returned as an error.
func Lookup(sender reflection.Sender, threadID uint32, name string) (string, bool, error) {
	var reply wireformat.KnobReply
	if err := reflection.Call(sender, threadID, &wireformat.KnobRequest{Name: name}, &reply); err != nil {
		return "", false, err
	}
	if err := domainErrors.CheckStatus("knob "+name, reply.Status); err != nil {
		if errors.Is(err, domainErrors.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return reply.Value, true, nil
}

// Int looks up a knob and parses it as a base-10 integer, returning def when
// the knob is not set.
func Int(sender reflection.Sender, threadID uint32, name string, def int64) (int64, error) {
	value, ok, err := Lookup(sender, threadID, name)
	if err != nil || !ok {
		return def, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def, fmt.Errorf("knob %s: %w", name, err)
	}
	return n, nil
}
