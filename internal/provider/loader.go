package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/ffmpeg"
	"github.com/cetrio/dss/internal/repository"
)

// Loader builds the provider registry from configuration and the
// database-backed provider definitions.
type Loader struct {
	Composer   *ffmpeg.Composer
	RTMP       config.RTMPConfig
	Providers  repository.ProviderRepository
	StaticRepo repository.StaticStreamRepository
	Logger     *slog.Logger
}

// Load assembles the registry: config-file providers first, then stored
// provider definitions. A stored definition with a prefix already taken
// by config is skipped with a warning.
func (l *Loader) Load(ctx context.Context, configured []config.ProviderConfig) (*Registry, error) {
	registry := NewRegistry()

	for _, pc := range configured {
		p, err := l.build(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("loading provider %q: %w", pc.Name, err)
		}
		if !p.Enabled() {
			l.Logger.Info("provider disabled", slog.String("provider", pc.Name))
			continue
		}
		registry.Register(p)
	}

	if l.Providers != nil {
		records, err := l.Providers.GetAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading stored providers: %w", err)
		}
		for _, rec := range records {
			pc := config.ProviderConfig{
				Name:           rec.Name,
				Identifier:     rec.Identifier,
				Access:         rec.Access,
				InputOpt:       rec.InputOpt,
				OutputOpt:      rec.OutputOpt,
				Enabled:        rec.Enabled,
				ThumbnailLocal: rec.ThumbnailLocal,
				Mode:           rec.Mode,
				Collection:     rec.Collection,
			}
			if _, err := registry.Get(pc.Identifier); err == nil {
				l.Logger.Warn("stored provider shadowed by config",
					slog.String("provider", pc.Name),
					slog.String("prefix", pc.Identifier),
				)
				continue
			}
			p, err := l.build(ctx, pc)
			if err != nil {
				return nil, fmt.Errorf("loading stored provider %q: %w", pc.Name, err)
			}
			if p.Enabled() {
				registry.Register(p)
			}
		}
	}

	return registry, nil
}

func (l *Loader) build(ctx context.Context, pc config.ProviderConfig) (Provider, error) {
	switch pc.Mode {
	case "named":
		return l.buildNamed(pc, pc.Streams)
	case "db":
		if l.StaticRepo == nil {
			return nil, fmt.Errorf("db mode needs a static stream store")
		}
		entries, err := l.StaticRepo.ListByCollection(ctx, pc.Collection)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(entries))
		data := make(map[string]map[string]string, len(entries))
		for i, e := range entries {
			names[i] = e.Stream
			data[e.Stream] = e.Data
		}
		p, err := l.buildNamed(pc, names)
		if err != nil {
			return nil, err
		}
		p.data = data
		annotateNamed(p)
		return p, nil
	case "", "numeric":
		return l.buildNumeric(pc)
	default:
		return nil, fmt.Errorf("unknown provider mode %q", pc.Mode)
	}
}

func (l *Loader) buildNumeric(pc config.ProviderConfig) (*Numeric, error) {
	p := &Numeric{base: newBase(pc, l.Composer, l.RTMP)}
	p.data = make(map[int]map[string]string, len(pc.Streams))
	for _, s := range pc.Streams {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("numeric provider stream %q is not a number", s)
		}
		p.numbers = append(p.numbers, n)
		p.data[n] = map[string]string{
			"id":     pc.Identifier + s,
			"stream": s,
		}
	}
	return p, nil
}

func (l *Loader) buildNamed(pc config.ProviderConfig, names []string) (*Named, error) {
	p := &Named{base: newBase(pc, l.Composer, l.RTMP), names: names}
	p.data = make(map[string]map[string]string, len(names))
	for _, name := range names {
		p.data[name] = map[string]string{"name": name}
	}
	annotateNamed(p)
	return p, nil
}

// annotateNamed stamps each catalog entry with its public id.
func annotateNamed(p *Named) {
	for i, name := range p.names {
		d := p.data[name]
		if d == nil {
			d = map[string]string{"name": name}
			p.data[name] = d
		}
		d["id"] = p.prefix + strconv.Itoa(i)
	}
}
