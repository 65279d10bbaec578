package query

import (
	"encoding/binary"
	"fmt"
)

// Decode parses a Query previously produced by Encode, returning the
// number of bytes consumed alongside the node. It is the inverse used by
// the protocol codec when unpacking a Search request frame.
func Decode(buf []byte) (Query, int, error) {
	if len(buf) < 2 {
		return nil, 0, fmt.Errorf("query: truncated frame")
	}
	tag := buf[0]
	bodyLen, n := binary.Uvarint(buf[1:])
	if n <= 0 {
		return nil, 0, fmt.Errorf("query: malformed length prefix")
	}
	start := 1 + n
	end := start + int(bodyLen)
	if end > len(buf) {
		return nil, 0, fmt.Errorf("query: body exceeds buffer")
	}
	body := buf[start:end]

	switch tag {
	case tagWord:
		return &Word{Term: string(body)}, end, nil
	case tagFilter:
		name, rest, err := decodeString(body)
		if err != nil {
			return nil, 0, err
		}
		value, _, err := decodeString(rest)
		if err != nil {
			return nil, 0, err
		}
		return &Filter{Name: name, Value: value}, end, nil
	case tagNot:
		child, _, err := Decode(body)
		if err != nil {
			return nil, 0, err
		}
		return &Not{Child: child}, end, nil
	case tagNAmong:
		nVal, consumed := binary.Uvarint(body)
		if consumed <= 0 {
			return nil, 0, fmt.Errorf("query: malformed NAmong.N")
		}
		body = body[consumed:]
		count, consumed := binary.Uvarint(body)
		if consumed <= 0 {
			return nil, 0, fmt.Errorf("query: malformed NAmong count")
		}
		body = body[consumed:]
		children := make([]Query, 0, count)
		for i := uint64(0); i < count; i++ {
			child, used, err := Decode(body)
			if err != nil {
				return nil, 0, err
			}
			children = append(children, child)
			body = body[used:]
		}
		return NewNAmong(int(nVal), children), end, nil
	default:
		return nil, 0, fmt.Errorf("query: unknown tag %#x", tag)
	}
}

func decodeString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("query: truncated string field")
	}
	length, n := binary.Uvarint(buf[1:])
	if n <= 0 {
		return "", nil, fmt.Errorf("query: malformed string length")
	}
	start := 1 + n
	end := start + int(length)
	if end > len(buf) {
		return "", nil, fmt.Errorf("query: string exceeds buffer")
	}
	return string(buf[start:end]), buf[end:], nil
}
