// Package fits reads and writes the subset of the FITS format used by tile
// stores: a primary image HDU holding one tile, and a binary-table
// extension holding a coverage map.
package fits

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// BlockSize is the FITS record length. Headers and data are padded to it.
const BlockSize = 2880

const cardSize = 80

var ErrNotFITS = errors.New("fits: not a FITS stream")

// Card is one header record. Value holds the raw FITS representation
// without quotes; Str reports whether it was a quoted string.
type Card struct {
	Key     string
	Value   string
	Str     bool
	Comment string
}

// Header is an ordered list of cards.
type Header struct {
	cards []Card
}

func NewHeader() *Header { return &Header{} }

func (h *Header) index(key string) int {
	for i, c := range h.cards {
		if c.Key == key {
			return i
		}
	}
	return -1
}

func (h *Header) put(c Card) {
	if i := h.index(c.Key); i >= 0 {
		h.cards[i] = c
		return
	}
	h.cards = append(h.cards, c)
}

// Set stores a value, formatting it as a FITS logical, integer, real or
// string.
func (h *Header) Set(key string, value any) {
	key = strings.ToUpper(key)
	switch v := value.(type) {
	case bool:
		s := "F"
		if v {
			s = "T"
		}
		h.put(Card{Key: key, Value: s})
	case int:
		h.put(Card{Key: key, Value: strconv.Itoa(v)})
	case int64:
		h.put(Card{Key: key, Value: strconv.FormatInt(v, 10)})
	case float64:
		h.put(Card{Key: key, Value: formatFloat(v)})
	case string:
		h.put(Card{Key: key, Value: v, Str: true})
	default:
		h.put(Card{Key: key, Value: fmt.Sprint(v), Str: true})
	}
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'G', -1, 64)
	if !strings.ContainsAny(s, ".E") {
		s += ".0"
	}
	return s
}

// Get returns the raw value of key.
func (h *Header) Get(key string) (string, bool) {
	i := h.index(strings.ToUpper(key))
	if i < 0 {
		return "", false
	}
	return h.cards[i].Value, true
}

func (h *Header) Int(key string) (int64, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, fmt.Errorf("fits: missing %s", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Some writers emit integral keywords as reals.
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, fmt.Errorf("fits: %s=%q: %w", key, v, err)
		}
		return int64(f), nil
	}
	return n, nil
}

// IntOr returns the integer value of key, or def when it is absent.
func (h *Header) IntOr(key string, def int64) (int64, error) {
	if _, ok := h.Get(key); !ok {
		return def, nil
	}
	return h.Int(key)
}

func (h *Header) Float(key string) (float64, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, fmt.Errorf("fits: missing %s", key)
	}
	f, err := strconv.ParseFloat(strings.Replace(v, "D", "E", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("fits: %s=%q: %w", key, v, err)
	}
	return f, nil
}

// FloatOr returns the real value of key, or def when it is absent.
func (h *Header) FloatOr(key string, def float64) (float64, error) {
	if _, ok := h.Get(key); !ok {
		return def, nil
	}
	return h.Float(key)
}

// Cards returns a copy of the header cards in order.
func (h *Header) Cards() []Card {
	return append([]Card(nil), h.cards...)
}

func (c Card) encode() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s", c.Key)
	if c.Key == "END" || c.Key == "COMMENT" || c.Key == "HISTORY" {
		if c.Key != "END" {
			b.WriteString("  " + c.Value)
		}
	} else {
		b.WriteString("= ")
		if c.Str {
			s := "'" + strings.ReplaceAll(c.Value, "'", "''")
			for len(s) < 9 {
				s += " "
			}
			b.WriteString(s + "'")
		} else {
			fmt.Fprintf(&b, "%20s", c.Value)
		}
		if c.Comment != "" {
			b.WriteString(" / " + c.Comment)
		}
	}
	out := []byte(b.String())
	if len(out) > cardSize {
		out = out[:cardSize]
	}
	return append(out, bytes.Repeat([]byte{' '}, cardSize-len(out))...)
}

func decodeCard(raw []byte) Card {
	key := strings.TrimSpace(string(raw[:8]))
	if len(raw) < 10 || string(raw[8:10]) != "= " {
		return Card{Key: key, Value: strings.TrimSpace(string(raw[8:]))}
	}
	rest := strings.TrimSpace(string(raw[10:]))
	if strings.HasPrefix(rest, "'") {
		// Quoted string; '' is an escaped quote.
		var sb strings.Builder
		i := 1
		for i < len(rest) {
			if rest[i] == '\'' {
				if i+1 < len(rest) && rest[i+1] == '\'' {
					sb.WriteByte('\'')
					i += 2
					continue
				}
				break
			}
			sb.WriteByte(rest[i])
			i++
		}
		c := Card{Key: key, Value: strings.TrimRight(sb.String(), " "), Str: true}
		if j := strings.Index(rest[i:], "/"); j >= 0 {
			c.Comment = strings.TrimSpace(rest[i+j+1:])
		}
		return c
	}
	val, comment, _ := strings.Cut(rest, "/")
	return Card{Key: key, Value: strings.TrimSpace(val), Comment: strings.TrimSpace(comment)}
}

// WriteTo writes the header, END card and padding.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	for _, c := range h.cards {
		buf.Write(c.encode())
	}
	buf.Write(Card{Key: "END"}.encode())
	pad(&buf, ' ')
	return buf.WriteTo(w)
}

func pad(buf *bytes.Buffer, fill byte) {
	if rem := buf.Len() % BlockSize; rem != 0 {
		buf.Write(bytes.Repeat([]byte{fill}, BlockSize-rem))
	}
}

// ReadHeader reads header blocks up to and including the END card.
func ReadHeader(r io.Reader) (*Header, error) {
	h := &Header{}
	block := make([]byte, BlockSize)
	first := true
	for {
		if _, err := io.ReadFull(r, block); err != nil {
			if first && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				return nil, ErrNotFITS
			}
			return nil, fmt.Errorf("fits: read header: %w", err)
		}
		if first {
			k := string(block[:8])
			if k != "SIMPLE  " && k != "XTENSION" {
				return nil, ErrNotFITS
			}
			first = false
		}
		for off := 0; off < BlockSize; off += cardSize {
			c := decodeCard(block[off : off+cardSize])
			if c.Key == "END" {
				return h, nil
			}
			if c.Key == "" {
				continue
			}
			h.cards = append(h.cards, c)
		}
	}
}

// DataSize returns the byte length of the data unit described by h,
// before padding.
func (h *Header) DataSize() (int64, error) {
	naxis, err := h.IntOr("NAXIS", 0)
	if err != nil {
		return 0, err
	}
	if naxis == 0 {
		return 0, nil
	}
	bitpix, err := h.Int("BITPIX")
	if err != nil {
		return 0, err
	}
	n := int64(1)
	for i := int64(1); i <= naxis; i++ {
		v, err := h.Int("NAXIS" + strconv.FormatInt(i, 10))
		if err != nil {
			return 0, err
		}
		n *= v
	}
	pcount, err := h.IntOr("PCOUNT", 0)
	if err != nil {
		return 0, err
	}
	gcount, err := h.IntOr("GCOUNT", 1)
	if err != nil {
		return 0, err
	}
	bytesPer := bitpix
	if bytesPer < 0 {
		bytesPer = -bytesPer
	}
	return bytesPer / 8 * gcount * (pcount + n), nil
}

// ReadHDU reads one header and its data unit, consuming the padding.
func ReadHDU(r io.Reader) (*Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	size, err := h.DataSize()
	if err != nil {
		return nil, nil, err
	}
	if size == 0 {
		return h, nil, nil
	}
	padded := (size + BlockSize - 1) / BlockSize * BlockSize
	data := make([]byte, padded)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil, fmt.Errorf("fits: read data: %w", err)
	}
	return h, data[:size], nil
}

// WriteHDU writes a header and a data unit, padding both.
func WriteHDU(w io.Writer, h *Header, data []byte) error {
	if _, err := h.WriteTo(w); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	buf := bytes.NewBuffer(data)
	pad(buf, 0)
	_, err := buf.WriteTo(w)
	return err
}

// BytesPerPixel returns |BITPIX|/8 for a supported BITPIX.
func BytesPerPixel(bitpix int) (int, error) {
	switch bitpix {
	case 8, 16, 32, 64, -32, -64:
		if bitpix < 0 {
			return -bitpix / 8, nil
		}
		return bitpix / 8, nil
	}
	return 0, fmt.Errorf("fits: unsupported BITPIX %d", bitpix)
}

// DecodeValue reads one big-endian pixel of the given BITPIX.
func DecodeValue(b []byte, bitpix int) float64 {
	switch bitpix {
	case 8:
		return float64(b[0])
	case 16:
		return float64(int16(uint16(b[0])<<8 | uint16(b[1])))
	case 32:
		return float64(int32(be32(b)))
	case 64:
		return float64(int64(be64(b)))
	case -32:
		return float64(math.Float32frombits(be32(b)))
	case -64:
		return math.Float64frombits(be64(b))
	}
	return math.NaN()
}

// EncodeValue writes one big-endian pixel, rounding and clamping to the
// integer range for integer BITPIX.
func EncodeValue(b []byte, bitpix int, v float64) {
	switch bitpix {
	case 8:
		b[0] = uint8(clamp(math.Round(v), 0, math.MaxUint8))
	case 16:
		x := uint16(int16(clamp(math.Round(v), math.MinInt16, math.MaxInt16)))
		b[0], b[1] = byte(x>>8), byte(x)
	case 32:
		put32(b, uint32(int32(clamp(math.Round(v), math.MinInt32, math.MaxInt32))))
	case 64:
		put64(b, uint64(int64(clamp(math.Round(v), math.MinInt64, math.MaxInt64))))
	case -32:
		put32(b, math.Float32bits(float32(v)))
	case -64:
		put64(b, math.Float64bits(v))
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be64(b []byte) uint64 {
	return uint64(be32(b))<<32 | uint64(be32(b[4:]))
}

func put32(b []byte, x uint32) {
	b[0], b[1], b[2], b[3] = byte(x>>24), byte(x>>16), byte(x>>8), byte(x)
}

func put64(b []byte, x uint64) {
	put32(b, uint32(x>>32))
	put32(b[4:], uint32(x))
}
