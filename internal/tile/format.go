// Package tile holds the in-memory raster tiles a store is made of and
// their on-disk encodings.
package tile

import (
	"fmt"
	"strings"
)

// Format is a tile encoding. Numeric tiles keep physical pixel values;
// visual tiles keep 8-bit color.
type Format int

const (
	FormatFITS Format = iota
	FormatPNG
	FormatJPEG
)

// Formats lists every supported format in canonical order.
var Formats = []Format{FormatFITS, FormatPNG, FormatJPEG}

func (f Format) String() string {
	switch f {
	case FormatFITS:
		return "fits"
	case FormatPNG:
		return "png"
	case FormatJPEG:
		return "jpeg"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Ext is the file extension without the dot.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return f.String()
}

// Numeric reports whether tiles of this format carry physical values.
func (f Format) Numeric() bool { return f == FormatFITS }

// CompleteSize is the size above which an existing file of this format is
// assumed to be a finished transfer.
func (f Format) CompleteSize() int64 {
	if f.Numeric() {
		return 2048
	}
	return 1024
}

// ParseFormat accepts a format name or extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "fits", "fit":
		return FormatFITS, nil
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	}
	return 0, fmt.Errorf("unknown tile format %q", s)
}

// ParseFormats parses a space or comma separated list, as found in the
// hips_tile_format property.
func ParseFormats(s string) ([]Format, error) {
	var out []Format
	seen := map[Format]bool{}
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
		format, err := ParseFormat(f)
		if err != nil {
			return nil, err
		}
		if !seen[format] {
			seen[format] = true
			out = append(out, format)
		}
	}
	return out, nil
}

// JoinFormats renders formats the way hips_tile_format expects.
func JoinFormats(formats []Format) string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = f.String()
	}
	return strings.Join(names, " ")
}
