package tracking

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
	"github.com/dropocol/coldjot/internal/pkg/logger"
	"github.com/dropocol/coldjot/internal/store"
)

// transparentGIF is the 43-byte 1x1 transparent GIF served for opens.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the pixel and click redirector endpoints.
type Handler struct {
	store *store.Store
	log   *logger.Logger
}

// NewHandler creates the tracking HTTP handler.
func NewHandler(st *store.Store) *Handler {
	return &Handler{store: st, log: logger.New("tracking")}
}

// Routes mounts the tracking endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/track/{hash}.png", h.handlePixel)
	r.Get("/api/track/{hash}/click", h.handleClick)
}

// isSenderView reports whether the request comes from the sender's own
// Gmail UI rather than a recipient open. Those hits must not count.
func isSenderView(r *http.Request) bool {
	if strings.Contains(r.Referer(), "mail.google.com") {
		return true
	}
	ua := r.UserAgent()
	return strings.Contains(ua, "Google-Safety") || strings.Contains(ua, "Google-Apps")
}

func (h *Handler) handlePixel(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	if isSenderView(r) {
		// Redirect to self so the sender's client shows the pixel
		// without the open being counted.
		http.Redirect(w, r, r.URL.RequestURI(), http.StatusTemporaryRedirect)
		return
	}

	ctx := r.Context()
	tr, err := h.store.GetTrackingByHash(ctx, hash)
	if err != nil {
		h.log.Error("pixel lookup failed", "hash", hash, "error", err)
	}
	if tr != nil {
		now := time.Now().UTC()
		first, err := h.store.RecordOpen(ctx, hash, now)
		if err != nil {
			h.log.Error("record open failed", "hash", hash, "error", err)
		} else {
			h.store.AppendEvent(ctx, &models.EmailEvent{
				TrackingHash: hash,
				Type:         models.EventOpened,
				Metadata:     map[string]string{"source": "pixel"},
			})
			if err := h.store.RecordOpenStat(ctx, tr.Metadata.SequenceID, first); err != nil {
				h.log.Error("open stat failed", "hash", hash, "error", err)
			}
			h.log.Info("open recorded", "hash", hash, "email", tr.Metadata.Email, "first", first)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "max-age=60, private")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

func (h *Handler) handleClick(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	lid := r.URL.Query().Get("lid")
	if lid == "" {
		http.Error(w, "missing lid", http.StatusBadRequest)
		return
	}
	linkID, err := uuid.Parse(lid)
	if err != nil {
		http.Error(w, "invalid lid", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	link, err := h.store.GetTrackedLink(ctx, hash, linkID)
	if err != nil {
		h.log.Error("click lookup failed", "hash", hash, "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if link == nil {
		http.Error(w, "unknown link", http.StatusBadRequest)
		return
	}

	first, err := h.store.RecordClick(ctx, linkID, time.Now().UTC())
	if err != nil {
		h.log.Error("record click failed", "hash", hash, "error", err)
	} else {
		h.store.AppendEvent(ctx, &models.EmailEvent{
			TrackingHash: hash,
			Type:         models.EventClicked,
			Metadata:     map[string]string{"linkId": linkID.String()},
		})
		if tr, _ := h.store.GetTrackingByHash(ctx, hash); tr != nil {
			h.store.RecordClickStat(ctx, tr.Metadata.SequenceID, first)
		}
	}

	http.Redirect(w, r, link.OriginalURL, http.StatusFound)
}
