// Package properties reads and writes the key = value description file at
// the root of a tile store.
package properties

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-research/skytiles/internal/tile"
)

// Standard keys.
const (
	KeyOrder        = "hips_order"
	KeyOrderMin     = "hips_order_min"
	KeyTileWidth    = "hips_tile_width"
	KeyTileFormat   = "hips_tile_format"
	KeyFrame        = "hips_frame"
	KeyStatus       = "hips_status"
	KeyReleaseDate  = "hips_release_date"
	KeyBuilder      = "hips_builder"
	KeyCreator      = "hips_creator"
	KeyVersion      = "hips_version"
	KeyTitle        = "obs_title"
	KeyCreatorDID   = "creator_did"
	KeyPixelCut     = "hips_pixel_cut"
	KeyDataRange    = "hips_data_range"
	KeySkyFraction  = "moc_sky_fraction"
	KeyDataproduct  = "dataproduct_type"
	KeyMirrorSource = "hips_service_url"

	// LegacyPrefix marks keys that were not recognised on load.
	LegacyPrefix = "x_legacy_"

	// ReleaseDateLayout is the ISO-8601 form used for hips_release_date.
	ReleaseDateLayout = "2006-01-02T15:04Z"
)

// legacyKeys maps old key names to their current name.
var legacyKeys = map[string]string{
	"maxOrder":    KeyOrder,
	"minOrder":    KeyOrderMin,
	"format":      KeyTileFormat,
	"frame":       KeyFrame,
	"coordsys":    KeyFrame,
	"tileWidth":   KeyTileWidth,
	"label":       KeyTitle,
	"ivoid":       KeyCreatorDID,
	"pixelCut":    KeyPixelCut,
	"pixelRange":  KeyDataRange,
	"hipsBuilder": KeyBuilder,
	"publisher":   KeyCreator,
	"isColor":     KeyDataproduct,
}

// frameCodes maps single-letter legacy frame codes to frame names.
var frameCodes = map[string]string{
	"C": "equatorial",
	"G": "galactic",
	"E": "ecliptic",
}

// knownPrefixes are the namespaces of the current vocabulary; keys in
// them are kept verbatim.
var knownPrefixes = []string{
	"hips_", "obs_", "prov_", "creator", "client_", "data", "moc_", "em_", "t_", "s_",
	"bib_", "publisher_", "x_",
}

type entry struct {
	key   string
	value string
}

// Properties is an ordered set of key/value pairs. Comment lines are
// kept in place.
type Properties struct {
	entries []entry
	// Migrated lists "old -> new" renames applied by Parse.
	Migrated []string
}

func New() *Properties { return &Properties{} }

// Parse reads a properties file, migrating legacy keys. Unknown keys are
// kept under LegacyPrefix so nothing is dropped.
func Parse(r io.Reader) (*Properties, error) {
	p := &Properties{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			p.entries = append(p.entries, entry{key: line})
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("properties: malformed line %q", line)
		}
		p.load(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	return p, nil
}

func (p *Properties) load(key, value string) {
	if newKey, ok := legacyKeys[key]; ok {
		switch newKey {
		case KeyFrame:
			if f, ok := frameCodes[strings.ToUpper(value)]; ok {
				value = f
			}
		case KeyDataproduct:
			if b, err := strconv.ParseBool(value); err == nil {
				if b {
					value = "image-color"
				} else {
					value = "image"
				}
			}
		}
		// A current key already present wins over its legacy alias.
		if _, exists := p.Get(newKey); !exists {
			p.Set(newKey, value)
		}
		p.Migrated = append(p.Migrated, key+" -> "+newKey)
		return
	}
	if !known(key) {
		key = LegacyPrefix + key
		p.Migrated = append(p.Migrated, strings.TrimPrefix(key, LegacyPrefix)+" -> "+key)
	}
	p.Set(key, value)
}

func known(key string) bool {
	for _, prefix := range knownPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (p *Properties) find(key string) int {
	for i, e := range p.entries {
		if e.key == key {
			return i
		}
	}
	return -1
}

func (p *Properties) Get(key string) (string, bool) {
	if i := p.find(key); i >= 0 {
		return p.entries[i].value, true
	}
	return "", false
}

// Set replaces key in place or appends it.
func (p *Properties) Set(key, value string) {
	if i := p.find(key); i >= 0 {
		p.entries[i].value = value
		return
	}
	p.entries = append(p.entries, entry{key: key, value: value})
}

func (p *Properties) Delete(key string) {
	if i := p.find(key); i >= 0 {
		p.entries = append(p.entries[:i], p.entries[i+1:]...)
	}
}

// Keys returns the non-comment keys in file order.
func (p *Properties) Keys() []string {
	var keys []string
	for _, e := range p.entries {
		if !strings.HasPrefix(e.key, "#") {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Merge copies every key of other into p, other winning on conflicts.
func (p *Properties) Merge(other *Properties) {
	for _, k := range other.Keys() {
		v, _ := other.Get(k)
		p.Set(k, v)
	}
}

// WriteTo writes the file with keys aligned the way hips tools expect.
func (p *Properties) WriteTo(w io.Writer) (int64, error) {
	width := 0
	for _, k := range p.Keys() {
		width = max(width, len(k))
	}
	var b strings.Builder
	for _, e := range p.entries {
		if strings.HasPrefix(e.key, "#") {
			b.WriteString(e.key + "\n")
			continue
		}
		fmt.Fprintf(&b, "%-*s = %s\n", width, e.key, e.value)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func (p *Properties) Int(key string) (int, error) {
	v, ok := p.Get(key)
	if !ok {
		return 0, fmt.Errorf("properties: missing %s", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("properties: %s=%q: %w", key, v, err)
	}
	return n, nil
}

// Order returns hips_order.
func (p *Properties) Order() (int, error) { return p.Int(KeyOrder) }

// Formats returns the parsed hips_tile_format list.
func (p *Properties) Formats() ([]tile.Format, error) {
	v, ok := p.Get(KeyTileFormat)
	if !ok {
		return nil, fmt.Errorf("properties: missing %s", KeyTileFormat)
	}
	return tile.ParseFormats(v)
}

// Frame returns hips_frame, defaulting to equatorial.
func (p *Properties) Frame() string {
	if v, ok := p.Get(KeyFrame); ok && v != "" {
		return v
	}
	return "equatorial"
}

// PixelCut returns hips_pixel_cut as a tile.Cut.
func (p *Properties) PixelCut() (tile.Cut, bool) {
	v, ok := p.Get(KeyPixelCut)
	if !ok {
		return tile.Cut{}, false
	}
	f := strings.Fields(v)
	if len(f) != 2 {
		return tile.Cut{}, false
	}
	lo, err1 := strconv.ParseFloat(f[0], 64)
	hi, err2 := strconv.ParseFloat(f[1], 64)
	if err1 != nil || err2 != nil {
		return tile.Cut{}, false
	}
	return tile.Cut{Min: lo, Max: hi}, true
}

// Stamp sets the release date to now.
func (p *Properties) Stamp(now time.Time) {
	p.Set(KeyReleaseDate, now.UTC().Format(ReleaseDateLayout))
}

// Legacy returns the keys kept under LegacyPrefix, sorted.
func (p *Properties) Legacy() []string {
	var out []string
	for _, k := range p.Keys() {
		if strings.HasPrefix(k, LegacyPrefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
