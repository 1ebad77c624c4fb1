// This file implements HTTP-FLV playback on the HTTP port.
// GET /flv/{app}/{name}.flv streams a live stream as an endless FLV file, or
// serves the recorded file of that name when nobody publishes it.

package httpflv

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"rtmpd/internal/core/bus"
	"rtmpd/internal/core/protocol/flv"
	"rtmpd/internal/svc/diskstream"

	"github.com/rs/zerolog"
)

// Prefix is the route HTTP-FLV is served under.
const Prefix = "/flv/"

// Handler handles HTTP-FLV requests.
type Handler struct {
	registry       *bus.Registry
	store          *diskstream.Store // nil disables recorded files
	bufferMessages uint32
	log            zerolog.Logger
}

// NewHandler creates a new HTTP-FLV handler.
func NewHandler(registry *bus.Registry, store *diskstream.Store, bufferMessages uint32, log zerolog.Logger) *Handler {
	if bufferMessages == 0 {
		bufferMessages = 1024
	}
	return &Handler{
		registry:       registry,
		store:          store,
		bufferMessages: bufferMessages,
		log:            log.With().Str("component", "httpflv").Logger(),
	}
}

// ServeHTTP handles GET /flv/{app}/{name}.flv.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	urlPath := strings.TrimPrefix(r.URL.Path, Prefix)
	if urlPath == r.URL.Path || !strings.HasSuffix(urlPath, diskstream.Extension) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	parts := strings.SplitN(strings.TrimSuffix(urlPath, diskstream.Extension), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	app, name := parts[0], parts[1]

	if stream := h.registry.Get(bus.NewStreamKey(app, name)); stream != nil && stream.HasPublisher() {
		h.serveLive(w, r, stream)
		return
	}
	if h.store != nil && h.store.Exists(name) {
		h.serveFile(w, r, name)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := h.store.Open(name)
	if err != nil {
		h.log.Warn().Err(err).Str("name", name).Msg("open recorded file")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "video/x-flv")
	// ServeContent handles Range and HEAD.
	http.ServeContent(w, r, name+diskstream.Extension, h.store.ModTime(name), io.NewSectionReader(f, 0, f.Size()))
}

func (h *Handler) serveLive(w http.ResponseWriter, r *http.Request, stream *bus.Stream) {
	w.Header().Set("Content-Type", "video/x-flv")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Slow clients drop the oldest frames so the publisher never blocks.
	sub, id := stream.AttachSubscriber(h.bufferMessages, bus.BackpressureDropOldest)
	defer stream.DetachSubscriber(id)
	log := h.log.With().Str("stream", stream.Key().String()).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("http-flv play started")

	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)
	bw.Write(flv.NewHeader(true, true).Bytes())
	bw.Write(make([]byte, flv.PrevTagSizeLen))
	if err := h.flush(w, bw); err != nil {
		return
	}

	var gate bus.Gate
	for {
		if err := sub.Wait(r.Context()); err != nil {
			log.Info().Uint64("dropped", sub.Dropped()).Msg("http-flv play ended")
			return
		}
		for {
			msg, ok := sub.Buffer().Read()
			if !ok {
				break
			}
			ts, ok := gate.Admit(msg)
			if !ok {
				continue
			}
			if _, err := bw.Write(flv.NewTag(tagType(msg.Type), ts, msg.Payload).Bytes()); err != nil {
				return
			}
		}
		if err := h.flush(w, bw); err != nil {
			log.Debug().Err(err).Msg("http-flv client gone")
			return
		}
	}
}

func (h *Handler) flush(w http.ResponseWriter, bw *bufio.Writer) error {
	if err := bw.Flush(); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func tagType(t bus.MessageType) byte {
	switch t {
	case bus.MessageTypeAudio:
		return flv.TagTypeAudio
	case bus.MessageTypeVideo:
		return flv.TagTypeVideo
	default:
		return flv.TagTypeScript
	}
}

// RegisterRoutes registers the HTTP-FLV route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(Prefix, h)
}
