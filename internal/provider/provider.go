// Package provider resolves stream ids to the providers that can build
// input and output URIs and FFmpeg argument vectors for them.
//
// A stream id is an alphabetic prefix naming the provider followed by a
// suffix identifying a stream within it, e.g. "tv4" or "cam12".
package provider

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/ffmpeg"
)

// Resolution errors.
var (
	// ErrUnknownProvider means no enabled provider matches the id prefix.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnknownStream means the id's suffix does not name a stream of its
	// provider.
	ErrUnknownStream = errors.New("unknown stream")
)

// Provider resolves ids within one configured stream source.
type Provider interface {
	// Name is the human-readable provider name.
	Name() string

	// Prefix is the alphabetic id prefix selecting this provider.
	Prefix() string

	// Enabled reports whether the provider participates in routing.
	Enabled() bool

	// ThumbnailLocal reports whether thumbnails may be captured from the
	// local republish instead of the origin.
	ThumbnailLocal() bool

	// Streams lists all public stream ids of this provider.
	Streams() []string

	// OriginStream maps a public id to the origin-side stream name.
	OriginStream(id string) (string, error)

	// PublicID maps an origin-side stream name back to the public id.
	PublicID(origin string) (string, error)

	// InputURL builds the origin URL the transcoder reads from.
	InputURL(id string) (string, error)

	// OutputURL builds the local republish URL for the id.
	OutputURL(id string) string

	// BuildCmd builds the transcoder argv for the id.
	BuildCmd(id string) ([]string, error)

	// StreamData returns the catalog entry for one id.
	StreamData(id string) (map[string]string, error)

	// Catalog returns all catalog entries keyed by public id.
	Catalog() map[string]map[string]string
}

// base carries the pieces shared by every provider mode.
type base struct {
	name           string
	prefix         string
	access         string
	inputOpt       string
	outputOpt      string
	enabled        bool
	thumbnailLocal bool

	composer *ffmpeg.Composer
	outBase  string // "<rtmp addr>/<app>"
}

func (b *base) Name() string         { return b.name }
func (b *base) Prefix() string       { return b.prefix }
func (b *base) Enabled() bool        { return b.enabled }
func (b *base) ThumbnailLocal() bool { return b.thumbnailLocal }

// OutputURL is the local republish target, shared by all modes.
func (b *base) OutputURL(id string) string {
	return b.outBase + "/" + id
}

func (b *base) inputURL(origin string) string {
	return strings.ReplaceAll(b.access, "{0}", origin)
}

var digitsRe = regexp.MustCompile(`\D`)

// numberID extracts the numeric portion of a public id.
func numberID(id string) (int, error) {
	digits := digitsRe.ReplaceAllString(id, "")
	if digits == "" {
		return 0, fmt.Errorf("%w: no number in %q", ErrUnknownStream, id)
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	return n, nil
}

// Numeric is a provider whose streams are identified by their origin
// number: public id = prefix + number.
type Numeric struct {
	base
	numbers []int
	data    map[int]map[string]string
}

// Named is a provider whose streams have origin-side names: public id =
// prefix + index into the configured list.
type Named struct {
	base
	names []string
	data  map[string]map[string]string
}

func (p *Numeric) Streams() []string {
	out := make([]string, len(p.numbers))
	for i, n := range p.numbers {
		out[i] = p.prefix + strconv.Itoa(n)
	}
	return out
}

func (p *Numeric) OriginStream(id string) (string, error) {
	n, err := numberID(id)
	if err != nil {
		return "", err
	}
	if _, ok := p.data[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	return strconv.Itoa(n), nil
}

func (p *Numeric) PublicID(origin string) (string, error) {
	n, err := strconv.Atoi(origin)
	if err != nil {
		return "", fmt.Errorf("%w: origin %q", ErrUnknownStream, origin)
	}
	if _, ok := p.data[n]; !ok {
		return "", fmt.Errorf("%w: origin %q", ErrUnknownStream, origin)
	}
	return p.prefix + origin, nil
}

func (p *Numeric) InputURL(id string) (string, error) {
	origin, err := p.OriginStream(id)
	if err != nil {
		return "", err
	}
	return p.inputURL(origin), nil
}

func (p *Numeric) BuildCmd(id string) ([]string, error) {
	in, err := p.InputURL(id)
	if err != nil {
		return nil, err
	}
	return p.composer.BuildCmd(p.inputOpt, in, p.outputOpt, p.OutputURL(id)), nil
}

func (p *Numeric) StreamData(id string) (map[string]string, error) {
	n, err := numberID(id)
	if err != nil {
		return nil, err
	}
	d, ok := p.data[n]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	return d, nil
}

func (p *Numeric) Catalog() map[string]map[string]string {
	out := make(map[string]map[string]string, len(p.numbers))
	for _, n := range p.numbers {
		out[p.prefix+strconv.Itoa(n)] = p.data[n]
	}
	return out
}

func (p *Named) Streams() []string {
	out := make([]string, len(p.names))
	for i := range p.names {
		out[i] = p.prefix + strconv.Itoa(i)
	}
	return out
}

func (p *Named) OriginStream(id string) (string, error) {
	i, err := numberID(id)
	if err != nil {
		return "", err
	}
	if i < 0 || i >= len(p.names) {
		return "", fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	return p.names[i], nil
}

func (p *Named) PublicID(origin string) (string, error) {
	for i, name := range p.names {
		if name == origin {
			return p.prefix + strconv.Itoa(i), nil
		}
	}
	return "", fmt.Errorf("%w: origin %q", ErrUnknownStream, origin)
}

func (p *Named) InputURL(id string) (string, error) {
	origin, err := p.OriginStream(id)
	if err != nil {
		return "", err
	}
	return p.inputURL(origin), nil
}

func (p *Named) BuildCmd(id string) ([]string, error) {
	in, err := p.InputURL(id)
	if err != nil {
		return nil, err
	}
	return p.composer.BuildCmd(p.inputOpt, in, p.outputOpt, p.OutputURL(id)), nil
}

func (p *Named) StreamData(id string) (map[string]string, error) {
	origin, err := p.OriginStream(id)
	if err != nil {
		return nil, err
	}
	return p.data[origin], nil
}

func (p *Named) Catalog() map[string]map[string]string {
	out := make(map[string]map[string]string, len(p.names))
	for i, name := range p.names {
		out[p.prefix+strconv.Itoa(i)] = p.data[name]
	}
	return out
}

var prefixRe = regexp.MustCompile(`^[A-Za-z]*`)

// Registry holds the enabled providers keyed by prefix.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry over the given providers. Disabled
// providers are kept out of routing.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p.Enabled() {
			r.providers[p.Prefix()] = p
		}
	}
	return r
}

// Select resolves a stream id's alphabetic prefix to its provider.
func (r *Registry) Select(id string) (Provider, error) {
	prefix := prefixRe.FindString(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[prefix]
	if !ok {
		return nil, fmt.Errorf("%w: prefix %q (id %q)", ErrUnknownProvider, prefix, id)
	}
	return p, nil
}

// Get returns the provider with the exact prefix.
func (r *Registry) Get(prefix string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[prefix]
	if !ok {
		return nil, fmt.Errorf("%w: prefix %q", ErrUnknownProvider, prefix)
	}
	return p, nil
}

// All returns the enabled providers sorted by prefix.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix() < out[j].Prefix() })
	return out
}

// Register adds or replaces a provider. Used by the mobile ingest server
// to claim its prefix.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Prefix()] = p
}

// Prefixes returns the registered prefixes, sorted.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for prefix := range r.providers {
		out = append(out, prefix)
	}
	sort.Strings(out)
	return out
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// newBase builds the shared provider fields from one config entry.
func newBase(pc config.ProviderConfig, composer *ffmpeg.Composer, rtmp config.RTMPConfig) base {
	return base{
		name:           pc.Name,
		prefix:         pc.Identifier,
		access:         pc.Access,
		inputOpt:       pc.InputOpt,
		outputOpt:      pc.OutputOpt,
		enabled:        boolOr(pc.Enabled, true),
		thumbnailLocal: boolOr(pc.ThumbnailLocal, false),
		composer:       composer,
		outBase:        strings.TrimRight(rtmp.Addr, "/") + "/" + rtmp.App,
	}
}
