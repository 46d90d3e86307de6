// Package pipeline chains reversible byte transforms over spooled files.
// Forward runs the stages in order and appends each stage's suffix to the
// artifact name; Reverse undoes them in the opposite order.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/spool"
)

// Stage is one reversible transform. Both directions take ownership of in
// and close it, also on error, and return a new file owned by the caller.
type Stage interface {
	Name() string
	Suffix() string
	Forward(ctx context.Context, in *spool.File, ws *spool.Workspace) (*spool.File, error)
	Reverse(ctx context.Context, in *spool.File, ws *spool.Workspace) (*spool.File, error)
}

type Pipeline struct {
	stages  []Stage
	tmpDir  string
	maxSize int64
	log     *logger.Logger
}

type Option func(*Pipeline)

func WithLogger(l *logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithTempDir sets where stage workspaces are created and how much each
// intermediate stream may hold in memory.
func WithTempDir(dir string, maxSize int64) Option {
	return func(p *Pipeline) {
		p.tmpDir = dir
		p.maxSize = maxSize
	}
}

func New(stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		stages:  stages,
		maxSize: 10 << 20,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Stages() []Stage { return p.stages }

// Forward applies every stage in order and returns the transformed stream
// with its suffixed name.
func (p *Pipeline) Forward(ctx context.Context, in *spool.File, name string) (*spool.File, string, error) {
	cur := in
	for _, st := range p.stages {
		out, err := p.run(ctx, st, cur, st.Forward)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", st.Name(), err)
		}
		cur = out
		name += st.Suffix()
		p.log.Debug("Stage applied", "stage", st.Name(), "name", name, "size", cur.Size())
	}
	return cur, name, nil
}

// Reverse undoes the stages from last to first. A stage whose suffix is not
// at the end of name was never applied and is skipped.
func (p *Pipeline) Reverse(ctx context.Context, in *spool.File, name string) (*spool.File, string, error) {
	cur := in
	for i := len(p.stages) - 1; i >= 0; i-- {
		st := p.stages[i]
		if !strings.HasSuffix(name, st.Suffix()) {
			p.log.Debug("Stage skipped", "stage", st.Name(), "name", name)
			continue
		}
		out, err := p.run(ctx, st, cur, st.Reverse)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", st.Name(), err)
		}
		cur = out
		name = strings.TrimSuffix(name, st.Suffix())
	}
	return cur, name, nil
}

type stageFunc func(context.Context, *spool.File, *spool.Workspace) (*spool.File, error)

func (p *Pipeline) run(ctx context.Context, st Stage, in *spool.File, fn stageFunc) (*spool.File, error) {
	if err := ctx.Err(); err != nil {
		in.Close()
		return nil, err
	}
	ws, err := spool.Open(p.tmpDir, p.maxSize)
	if err != nil {
		in.Close()
		return nil, err
	}
	defer ws.Close()

	return fn(ctx, in, ws)
}
