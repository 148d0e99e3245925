package value

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON is the wire codec used at every process and runtime boundary:
// subprocess argv/stdout, the embedded interpreter protocol, and the native
// backend's boxed calling convention. Integers survive the round trip intact
// (decoded via json.Number, not float64). Handles are not encodable; they
// never cross a boundary by value.

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindText:
		return json.Marshal(v.s)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindRecord:
		if v.rec == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.rec)
	case KindHandle:
		return nil, fmt.Errorf("handle %q cannot cross a serialization boundary", v.h.Name())
	}
	return nil, fmt.Errorf("unencodable value kind %v", v.kind)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	decoded, err := decodeToken(dec)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// Decode parses a JSON document into a Value.
func Decode(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Null(), err
	}
	return v, nil
}

// Encode renders a Value as a JSON document.
func Encode(v Value) ([]byte, error) {
	return json.Marshal(v)
}

// EncodeArgs renders an argument list as a JSON array.
func EncodeArgs(args []Value) ([]byte, error) {
	if args == nil {
		args = []Value{}
	}
	return json.Marshal(args)
}

func decodeToken(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null(), err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return Text(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("unparseable number %q", t.String())
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decodeToken(dec)
				if err != nil {
					return Null(), err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return Null(), err
			}
			return List(items...), nil
		case '{':
			fields := map[string]Value{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Null(), err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Null(), fmt.Errorf("non-string record key %v", keyTok)
				}
				field, err := decodeToken(dec)
				if err != nil {
					return Null(), err
				}
				fields[key] = field
			}
			if _, err := dec.Token(); err != nil { // closing }
				return Null(), err
			}
			return Record(fields), nil
		}
	}
	return Null(), fmt.Errorf("unexpected JSON token %v", tok)
}
