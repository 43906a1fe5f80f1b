package embed

import (
	"io"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/pkg/debugutil"
)

// serve shares one listener between the Apteryx frame protocol and an
// HTTP surface for /metrics and /debug/pprof. An Apteryx frame opens
// with a 4-byte big-endian body length, so its first byte is zero for
// any frame smaller than 16 MiB; an HTTP request starts with an ASCII
// method. cmux peeks one byte to route the connection.
func (a *Apteryxd) serve(l net.Listener) error {
	m := cmux.New(l)
	frameL := m.Match(apteryxFrameMatcher)
	httpL := m.Match(cmux.HTTP1Fast())

	go func() {
		if err := a.server.Serve(frameL); err != nil {
			a.lg.Debug("frame server stopped", zap.Error(err))
		}
	}()

	httpS := &http.Server{Handler: newDebugMux()}
	go func() {
		if err := httpS.Serve(httpL); err != nil && err != http.ErrServerClosed {
			a.lg.Debug("http server stopped", zap.Error(err))
		}
	}()

	err := m.Serve()
	httpS.Close()
	select {
	case <-a.stopc:
		return nil
	default:
	}
	return err
}

func apteryxFrameMatcher(r io.Reader) bool {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false
	}
	return b[0] == 0x00
}

func newDebugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	for path, handler := range debugutil.PProfHandlers() {
		mux.Handle(path, handler)
	}
	return mux
}
