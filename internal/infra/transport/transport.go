package transport

import (
	"context"
	"errors"

	"econd/internal/domain"
)

// Composite routes a dial to the concrete transport named by the definition.
type Composite struct {
	stdio domain.Transport
	http  domain.Transport
}

type CompositeOptions struct {
	Stdio domain.Transport
	HTTP  domain.Transport
}

func NewComposite(opts CompositeOptions) *Composite {
	if opts.Stdio == nil {
		panic("composite transport requires stdio transport")
	}
	if opts.HTTP == nil {
		panic("composite transport requires http transport")
	}
	return &Composite{stdio: opts.Stdio, http: opts.HTTP}
}

func (t *Composite) Dial(ctx context.Context, def domain.ServerDefinition) (domain.Conn, domain.StopFn, error) {
	switch domain.NormalizeTransport(def.Transport) {
	case domain.TransportHTTP:
		return t.http.Dial(ctx, def)
	case domain.TransportStdio:
		return t.stdio.Dial(ctx, def)
	default:
		return nil, nil, errors.New("unknown transport")
	}
}
