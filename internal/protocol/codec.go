package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
)

// DefaultMaxFrameSize is the 5 MB ceiling of spec.md §4.4. A frame over
// this size fails the stream and is treated as a protocol violation
// (§7): the caller should drop the connection's reputation and close it,
// never crash.
const DefaultMaxFrameSize = 5 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when a peer sends a frame
// larger than the configured maximum.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// WriteFrame writes a single length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return errors.Wrap(err, "writing frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "writing frame payload")
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame from r, enforcing
// maxSize.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading frame length")
	}
	if length > uint64(maxSize) {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "reading frame payload")
	}
	return buf, nil
}

// --- Request encoding ---

// EncodeRequest serializes a Request to its wire frame payload.
func EncodeRequest(req *Request) []byte {
	buf := []byte{byte(req.Kind)}
	switch req.Kind {
	case RequestGetFilters:
		buf = append(buf, encodeGetFilters(req.GetFilters)...)
	case RequestSearch:
		buf = append(buf, encodeBytes(req.Search.QueryBytes)...)
	case RequestDisconnect:
		buf = append(buf, encodeDisconnect(req.Disconnect)...)
	}
	return buf
}

// DecodeRequest parses a wire frame payload into a Request.
func DecodeRequest(buf []byte) (*Request, error) {
	if len(buf) == 0 {
		return nil, errors.New("protocol: empty request frame")
	}
	kind := RequestKind(buf[0])
	rest := buf[1:]
	switch kind {
	case RequestGetFilters:
		gf, err := decodeGetFilters(rest)
		if err != nil {
			return nil, err
		}
		return &Request{Kind: kind, GetFilters: gf}, nil
	case RequestSearch:
		qb, _, err := decodeBytes(rest)
		if err != nil {
			return nil, err
		}
		return &Request{Kind: kind, Search: &SearchRequest{QueryBytes: qb}}, nil
	case RequestDisconnect:
		d, err := decodeDisconnect(rest)
		if err != nil {
			return nil, err
		}
		return &Request{Kind: kind, Disconnect: d}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown request kind %d", kind)
	}
}

// --- Response encoding ---

// EncodeResponse serializes a Response to its wire frame payload.
func EncodeResponse(resp *Response) []byte {
	buf := []byte{byte(resp.Kind)}
	switch resp.Kind {
	case ResponseUpdateFilters:
		buf = append(buf, encodeUpdateFilters(resp.UpdateFilters)...)
	case ResponseRoutes:
		buf = append(buf, encodeRoutes(resp.Routes)...)
	case ResponseResult:
		buf = append(buf, encodeBytes(resp.Result.Payload)...)
	case ResponseSearchOver:
		// no body
	case ResponseDisconnect:
		buf = append(buf, encodeDisconnect(resp.Disconnect)...)
	}
	return buf
}

// DecodeResponse parses a wire frame payload into a Response.
func DecodeResponse(buf []byte) (*Response, error) {
	if len(buf) == 0 {
		return nil, errors.New("protocol: empty response frame")
	}
	kind := ResponseKind(buf[0])
	rest := buf[1:]
	switch kind {
	case ResponseUpdateFilters:
		uf, err := decodeUpdateFilters(rest)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: kind, UpdateFilters: uf}, nil
	case ResponseRoutes:
		rs, err := decodeRoutes(rest)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: kind, Routes: rs}, nil
	case ResponseResult:
		payload, _, err := decodeBytes(rest)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: kind, Result: &ResultResponse{Payload: payload}}, nil
	case ResponseSearchOver:
		return &Response{Kind: kind}, nil
	case ResponseDisconnect:
		d, err := decodeDisconnect(rest)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: kind, Disconnect: d}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown response kind %d", kind)
	}
}

// --- shared primitive encoders ---

func encodeBytes(b []byte) []byte {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(b)))
	out := make([]byte, 0, n+len(b))
	out = append(out, lenBuf[:n]...)
	return append(out, b...)
}

func decodeBytes(buf []byte) ([]byte, []byte, error) {
	length, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, nil, errors.New("protocol: malformed length prefix")
	}
	start := n
	end := start + int(length)
	if end > len(buf) {
		return nil, nil, errors.New("protocol: field exceeds buffer")
	}
	return buf[start:end], buf[end:], nil
}

func encodeString(s string) []byte { return encodeBytes([]byte(s)) }

func decodeString(buf []byte) (string, []byte, error) {
	b, rest, err := decodeBytes(buf)
	return string(b), rest, err
}

func encodeUvarint(v uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	return buf[:n]
}

func decodeUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, errors.New("protocol: malformed uvarint")
	}
	return v, buf[n:], nil
}

func encodeDuration(d time.Duration) []byte { return encodeUvarint(uint64(d)) }

func decodeDuration(buf []byte) (time.Duration, []byte, error) {
	v, rest, err := decodeUvarint(buf)
	return time.Duration(v), rest, err
}

// EncodeResultPayload packs a result's content identifier and opaque
// payload bytes into the single Payload field a ResultResponse carries
// on the wire (spec.md §4.4 gives Result only one field; splitting id
// from payload again on receipt is this codec's job, not the core's).
func EncodeResultPayload(id string, payload []byte) []byte {
	return append(encodeString(id), payload...)
}

// DecodeResultPayload reverses EncodeResultPayload.
func DecodeResultPayload(buf []byte) (id string, payload []byte, err error) {
	return decodeString(buf)
}

// --- GetFiltersRequest ---

func encodeGetFilters(gf *GetFiltersRequest) []byte {
	out := encodeUvarint(uint64(gf.FilterCount))
	out = append(out, encodeDuration(gf.Interval.Min)...)
	out = append(out, encodeDuration(gf.Interval.Target)...)
	out = append(out, encodeDuration(gf.Interval.Max)...)
	out = append(out, encodeUvarint(uint64(len(gf.BlockedPeers)))...)
	for _, p := range gf.BlockedPeers {
		out = append(out, encodeString(p)...)
	}
	return out
}

func decodeGetFilters(buf []byte) (*GetFiltersRequest, error) {
	count, rest, err := decodeUvarint(buf)
	if err != nil {
		return nil, err
	}
	min, rest, err := decodeDuration(rest)
	if err != nil {
		return nil, err
	}
	target, rest, err := decodeDuration(rest)
	if err != nil {
		return nil, err
	}
	max, rest, err := decodeDuration(rest)
	if err != nil {
		return nil, err
	}
	nBlocked, rest, err := decodeUvarint(rest)
	if err != nil {
		return nil, err
	}
	blocked := make([]string, 0, nBlocked)
	for i := uint64(0); i < nBlocked; i++ {
		var s string
		s, rest, err = decodeString(rest)
		if err != nil {
			return nil, err
		}
		blocked = append(blocked, s)
	}
	return &GetFiltersRequest{
		FilterCount:  int(count),
		Interval:     Interval{Min: min, Target: target, Max: max},
		BlockedPeers: blocked,
	}, nil
}

// --- DisconnectRequest ---

func encodeDisconnect(d *DisconnectRequest) []byte {
	out := encodeString(d.Reason)
	if d.RetryAfter == nil {
		out = append(out, 0)
		return out
	}
	out = append(out, 1)
	return append(out, encodeDuration(*d.RetryAfter)...)
}

func decodeDisconnect(buf []byte) (*DisconnectRequest, error) {
	reason, rest, err := decodeString(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		return nil, errors.New("protocol: truncated disconnect frame")
	}
	hasRetry := rest[0] == 1
	rest = rest[1:]
	d := &DisconnectRequest{Reason: reason}
	if hasRetry {
		retry, _, err := decodeDuration(rest)
		if err != nil {
			return nil, err
		}
		d.RetryAfter = &retry
	}
	return d, nil
}

// --- UpdateFiltersResponse ---

func encodeUpdateFilters(uf *UpdateFiltersResponse) []byte {
	out := encodeUvarint(uint64(len(uf.Sketches)))
	for _, s := range uf.Sketches {
		out = append(out, encodeBytes(s)...)
	}
	return out
}

func decodeUpdateFilters(buf []byte) (*UpdateFiltersResponse, error) {
	n, rest, err := decodeUvarint(buf)
	if err != nil {
		return nil, err
	}
	sketches := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		var s []byte
		s, rest, err = decodeBytes(rest)
		if err != nil {
			return nil, err
		}
		sketches = append(sketches, s)
	}
	return &UpdateFiltersResponse{Sketches: sketches}, nil
}

// --- RoutesResponse ---

func encodeRoutes(rs *RoutesResponse) []byte {
	out := encodeUvarint(uint64(len(rs.Routes)))
	for _, r := range rs.Routes {
		out = append(out, encodeString(r.PeerID)...)
		out = append(out, encodeUvarint(uint64(len(r.MatchScores)))...)
		for _, s := range r.MatchScores {
			out = append(out, encodeUvarint(uint64(s))...)
		}
		out = append(out, encodeUvarint(uint64(len(r.Addresses)))...)
		for _, a := range r.Addresses {
			out = append(out, encodeString(a)...)
		}
	}
	return out
}

func decodeRoutes(buf []byte) (*RoutesResponse, error) {
	n, rest, err := decodeUvarint(buf)
	if err != nil {
		return nil, err
	}
	routes := make([]Route, 0, n)
	for i := uint64(0); i < n; i++ {
		var peerID string
		peerID, rest, err = decodeString(rest)
		if err != nil {
			return nil, err
		}
		var nScores uint64
		nScores, rest, err = decodeUvarint(rest)
		if err != nil {
			return nil, err
		}
		scores := make([]uint32, 0, nScores)
		for j := uint64(0); j < nScores; j++ {
			var v uint64
			v, rest, err = decodeUvarint(rest)
			if err != nil {
				return nil, err
			}
			scores = append(scores, uint32(v))
		}
		var nAddrs uint64
		nAddrs, rest, err = decodeUvarint(rest)
		if err != nil {
			return nil, err
		}
		addrs := make([]string, 0, nAddrs)
		for j := uint64(0); j < nAddrs; j++ {
			var a string
			a, rest, err = decodeString(rest)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, a)
		}
		routes = append(routes, Route{PeerID: peerID, MatchScores: scores, Addresses: addrs})
	}
	return &RoutesResponse{Routes: routes}, nil
}
