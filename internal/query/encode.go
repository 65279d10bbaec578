package query

import "encoding/binary"

// Wire tags for query node kinds. These are purely internal to this
// repository's codec; they have no bearing on document content.
const (
	tagWord   byte = 0x01
	tagFilter byte = 0x02
	tagNot    byte = 0x03
	tagNAmong byte = 0x04
)

// encodeTagged prepends a tag byte and a uvarint length to body.
func encodeTagged(tag byte, body []byte) []byte {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(body)))
	out := make([]byte, 0, 1+n+len(body))
	out = append(out, tag)
	out = append(out, lenBuf[:n]...)
	out = append(out, body...)
	return out
}

// Encode for NAmong: tag 0x04, N, child count, then each encoded child
// back to back.
func (a *NAmong) encodeSelf() []byte {
	children := a.Children()
	body := make([]byte, 0)
	nBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(nBuf, uint64(a.N))
	body = append(body, nBuf[:n]...)
	cBuf := make([]byte, binary.MaxVarintLen64)
	c := binary.PutUvarint(cBuf, uint64(len(children)))
	body = append(body, cBuf[:c]...)
	for _, child := range children {
		body = append(body, child.Encode()...)
	}
	return encodeTagged(tagNAmong, body)
}

// Encode writes the NAmong frame.
func (a *NAmong) Encode() []byte { return a.encodeSelf() }
