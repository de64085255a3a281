package mcu

import (
	"fmt"
	"strings"

	"as5048a/protocol"
)

// Param is one "name=%type" field of a message format
type Param struct {
	Name string
	Type string // %c, %u, %i, %hu, %hi, %*s or %.*s
}

// Format is a command or response as declared in the dictionary
type Format struct {
	ID     uint16
	Name   string
	Params []Param
}

// ParseFormat splits a dictionary key such as
// "spi_transfer oid=%c data=%*s" into its name and parameters.
func ParseFormat(id uint16, key string) (*Format, error) {
	fields := strings.Fields(key)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty message format")
	}
	f := &Format{ID: id, Name: fields[0]}
	for _, field := range fields[1:] {
		name, typ, ok := strings.Cut(field, "=")
		if !ok || !strings.HasPrefix(typ, "%") {
			return nil, fmt.Errorf("bad parameter %q in %q", field, key)
		}
		f.Params = append(f.Params, Param{Name: name, Type: typ})
	}
	return f, nil
}

func isBytes(typ string) bool {
	return typ == "%*s" || typ == "%.*s" || typ == "%s"
}

func isSigned(typ string) bool {
	return typ == "%i" || typ == "%hi"
}

// Encode writes args in the order of f's parameters
func (f *Format) Encode(output protocol.OutputBuffer, args ...any) error {
	if len(args) != len(f.Params) {
		return fmt.Errorf("%s takes %d arguments, got %d", f.Name, len(f.Params), len(args))
	}
	for i, p := range f.Params {
		if isBytes(p.Type) {
			switch v := args[i].(type) {
			case []byte:
				protocol.EncodeVLQBytes(output, v)
			case string:
				protocol.EncodeVLQString(output, v)
			default:
				return fmt.Errorf("%s %s: want bytes, got %T", f.Name, p.Name, args[i])
			}
			continue
		}
		v, err := toInt(args[i])
		if err != nil {
			return fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
		}
		protocol.EncodeVLQInt(output, int32(v))
	}
	return nil
}

func toInt(arg any) (int64, error) {
	switch v := arg.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("want integer, got %T", arg)
}

// Params holds decoded message fields: uint32 or int32 for integers,
// []byte for strings
type Params map[string]any

// Uint returns an integer field, or 0 when it is missing
func (p Params) Uint(name string) uint32 {
	switch v := p[name].(type) {
	case uint32:
		return v
	case int32:
		return uint32(v)
	}
	return 0
}

// Bytes returns a byte field, or nil when it is missing
func (p Params) Bytes(name string) []byte {
	b, _ := p[name].([]byte)
	return b
}

// Decode reads f's parameters from data, which follows the message ID
func (f *Format) Decode(data []byte) (Params, error) {
	params := make(Params, len(f.Params))
	for _, p := range f.Params {
		switch {
		case isBytes(p.Type):
			b, err := protocol.DecodeVLQBytes(&data)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
			}
			params[p.Name] = append([]byte(nil), b...)
		case isSigned(p.Type):
			v, err := protocol.DecodeVLQInt(&data)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
			}
			params[p.Name] = v
		default:
			v, err := protocol.DecodeVLQUint(&data)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
			}
			params[p.Name] = v
		}
	}
	return params, nil
}
