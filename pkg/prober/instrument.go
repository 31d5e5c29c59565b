package prober

import (
	"context"

	"github.com/mcpprobe/mcpprobe/pkg/observability"
	"github.com/mcpprobe/mcpprobe/pkg/transport"
)

// instrumentedTransport counts transport lifecycle events on the run's
// metrics registry. Error and close handlers installed by the client are
// wrapped so each dispatched event increments its counter before the client
// sees it.
type instrumentedTransport struct {
	transport.Transport
	kind    string
	metrics *observability.Metrics
}

func instrumentTransport(tr transport.Transport, kind string, m *observability.Metrics) transport.Transport {
	it := &instrumentedTransport{Transport: tr, kind: kind, metrics: m}
	// Counting must work even before the client installs its handlers.
	it.SetErrorHandler(nil)
	it.SetCloseHandler(nil)
	return it
}

func (t *instrumentedTransport) Connect(ctx context.Context) error {
	if err := t.Transport.Connect(ctx); err != nil {
		t.metrics.TransportEvents.WithLabelValues(t.kind, "connect_error").Inc()
		return err
	}
	t.metrics.TransportEvents.WithLabelValues(t.kind, "connect").Inc()
	return nil
}

func (t *instrumentedTransport) SetErrorHandler(fn transport.ErrorHandler) {
	t.Transport.SetErrorHandler(func(err error) {
		t.metrics.TransportEvents.WithLabelValues(t.kind, "error").Inc()
		if fn != nil {
			fn(err)
		}
	})
}

func (t *instrumentedTransport) SetCloseHandler(fn transport.CloseHandler) {
	t.Transport.SetCloseHandler(func() {
		t.metrics.TransportEvents.WithLabelValues(t.kind, "close").Inc()
		if fn != nil {
			fn()
		}
	})
}
