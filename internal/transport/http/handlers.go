package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/insighthub/internal/admission"
	"example.com/insighthub/internal/config"
	"example.com/insighthub/internal/domain"
	"example.com/insighthub/internal/enrich"
	"example.com/insighthub/internal/ingest"
	"example.com/insighthub/internal/site"
)

// SiteTokenHeader carries the public tracking token. Beacon requests, which
// cannot set headers, pass it as the site_id query parameter instead.
const SiteTokenHeader = "X-Site-ID"

type SiteResolver interface {
	Resolve(ctx context.Context, token string) (site.Config, error)
}

type Admitter interface {
	Admit(ctx context.Context, key string) (admission.Decision, error)
}

type Enricher interface {
	EnrichAll(events []domain.RawEvent, meta enrich.RequestMeta) ([]domain.EnrichedEvent, error)
}

type EventQueue interface {
	EnqueueAll(events []domain.EnrichedEvent) error
	Stats() ingest.Stats
	RetryBacklog(ctx context.Context) (int, error)
}

type Presence interface {
	RecordActivity(ctx context.Context, siteID, visitorID string, at time.Time) error
	CountActive(ctx context.Context, siteID string) (int, error)
	ListActive(ctx context.Context, siteID string) ([]string, error)
}

type HeatmapPublisher interface {
	PublishHeatmap(ctx context.Context, rec domain.HeatmapRecord) error
}

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type ServerDeps struct {
	Cfg      config.Config
	Sites    SiteResolver
	Limiter  Admitter
	Enricher Enricher
	Queue    EventQueue
	Presence Presence
	Heatmaps HeatmapPublisher
	Schema   *domain.SchemaValidator
	Realtime *KeyedRateLimiter
	Checks   []ReadinessCheck
	Logger   *zap.Logger
	Now      func() time.Time
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type readyResp struct {
	Status       string       `json:"status"`
	Ingest       ingest.Stats `json:"ingest"`
	RetryBacklog int          `json:"retry_backlog"`
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range d.Checks {
		if err := c.Check(ctx); err != nil {
			d.Logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			WriteProblem(w, http.StatusServiceUnavailable, "not ready", c.Name+" not reachable", nil)
			return
		}
	}
	backlog, err := d.Queue.RetryBacklog(ctx)
	if err != nil {
		d.Logger.Warn("retry backlog unavailable", zap.Error(err))
		backlog = -1
	}
	writeJSON(w, http.StatusOK, readyResp{Status: "ready", Ingest: d.Queue.Stats(), RetryBacklog: backlog})
}

// --- Gate ---

func siteToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(SiteTokenHeader)); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("site_id"))
}

// gate runs admission, token presence, site resolution and the origin
// policy in that order. On rejection it writes the response and returns
// ok=false.
func (d *ServerDeps) gate(w http.ResponseWriter, r *http.Request) (cfg site.Config, clientIP string, ok bool) {
	ctx := r.Context()
	clientIP = ClientIP(r, d.Cfg.TrustProxy)
	token := siteToken(r)

	dec, err := d.Limiter.Admit(ctx, admission.Key(token, clientIP))
	if err != nil {
		d.Logger.Warn("admission unavailable, rejecting", zap.Error(err))
	}
	writeRateLimitHeaders(w, dec)
	if !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(dec.ResetAfterSeconds()))
		WriteProblem(w, http.StatusTooManyRequests, "rate limit exceeded", "too many requests, retry later", nil)
		return cfg, clientIP, false
	}

	if token == "" {
		WriteProblem(w, http.StatusBadRequest, "missing site token", SiteTokenHeader+" header is required", nil)
		return cfg, clientIP, false
	}

	cfg, err = d.Sites.Resolve(ctx, token)
	if !d.writeSiteError(w, err) {
		return cfg, clientIP, false
	}

	if err := cfg.CheckOrigin(r.Header.Get("Origin")); err != nil {
		WriteProblem(w, http.StatusForbidden, "origin not allowed", "origin is not allowed for this site", nil)
		return cfg, clientIP, false
	}
	return cfg, clientIP, true
}

// writeSiteError maps resolver errors to responses; it returns true when
// err is nil.
func (d *ServerDeps) writeSiteError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, site.ErrMissingToken):
		WriteProblem(w, http.StatusBadRequest, "missing site token", SiteTokenHeader+" header is required", nil)
	case errors.Is(err, site.ErrNotFound):
		WriteProblem(w, http.StatusNotFound, "site not found", "unknown site token", nil)
	case errors.Is(err, site.ErrInactive):
		WriteProblem(w, http.StatusForbidden, "site inactive", "site is not accepting events", nil)
	default:
		d.Logger.Error("site lookup failed", zap.Error(err))
		WriteProblem(w, http.StatusServiceUnavailable, "site lookup unavailable", "please retry", nil)
	}
	return false
}

// readBody reads the limited body; a false return means the response is
// already written.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		WriteProblem(w, http.StatusRequestEntityTooLarge, "payload too large", "request body exceeds "+strconv.FormatInt(mbe.Limit, 10)+" bytes", nil)
		return nil, false
	}
	WriteProblem(w, http.StatusBadRequest, "invalid body", err.Error(), nil)
	return nil, false
}

func dntRequested(r *http.Request) bool { return r.Header.Get("DNT") == "1" }

// --- Collect ---

func (d *ServerDeps) HandleCollect(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	d.collect(w, r)
}

// HandleBeacon serves navigator.sendBeacon, which posts text/plain.
func (d *ServerDeps) HandleBeacon(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	d.collect(w, r)
}

func (d *ServerDeps) collect(w http.ResponseWriter, r *http.Request) {
	cfg, clientIP, ok := d.gate(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if errs := d.Schema.ValidateCollect(body); len(errs) > 0 {
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", domain.GroupFieldErrors(errs))
		return
	}
	var req domain.CollectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	if errs := domain.ValidateCollect(&req); len(errs) > 0 {
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", domain.GroupFieldErrors(errs))
		return
	}

	n := len(req.Events)
	if cfg.RespectDNT && dntRequested(r) {
		d.Logger.Debug("dnt honoured, events dropped", zap.String("site_id", cfg.TrackingID), zap.Int("events", n))
		writeAccepted(w, n)
		return
	}

	now := d.Now()
	events, err := d.Enricher.EnrichAll(req.Events, enrich.RequestMeta{
		SiteID:       cfg.TrackingID,
		SessionID:    req.Session.ID,
		VisitorID:    req.Visitor.ID,
		IsNewSession: req.Session.IsNew,
		IsNewVisitor: req.Visitor.IsNew,
		ClientIP:     clientIP,
		UserAgent:    r.UserAgent(),
		AnonymizeIP:  cfg.AnonymizeIPs,
		ReceivedAt:   now,
	})
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "validation failed", err.Error(), nil)
		return
	}

	if err := d.Queue.EnqueueAll(events); err != nil {
		if errors.Is(err, ingest.ErrClosed) {
			WriteProblem(w, http.StatusServiceUnavailable, "shutting down", "ingestion is stopping, please retry", nil)
			return
		}
		d.Logger.Error("enqueue failed", zap.Error(err))
		WriteProblem(w, http.StatusInternalServerError, "enqueue failed", "please retry", nil)
		return
	}

	if err := d.Presence.RecordActivity(r.Context(), cfg.TrackingID, req.Visitor.ID, now); err != nil {
		d.Logger.Warn("presence update failed", zap.String("site_id", cfg.TrackingID), zap.Error(err))
	}

	d.Logger.Debug("events accepted", zap.String("site_id", cfg.TrackingID), zap.Int("events", n))
	writeAccepted(w, n)
}

// --- Heatmap ---

func (d *ServerDeps) HandleHeatmap(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)

	cfg, _, ok := d.gate(w, r)
	if !ok {
		return
	}
	if !cfg.EnableHeatmaps {
		WriteProblem(w, http.StatusForbidden, "heatmaps disabled", "heatmap collection is not enabled for this site", nil)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if errs := d.Schema.ValidateHeatmap(body); len(errs) > 0 {
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", domain.GroupFieldErrors(errs))
		return
	}
	var req domain.HeatmapRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	if errs := domain.ValidateHeatmap(&req); len(errs) > 0 {
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", domain.GroupFieldErrors(errs))
		return
	}

	n := len(req.Events)
	if cfg.RespectDNT && dntRequested(r) {
		writeAccepted(w, n)
		return
	}

	rec := domain.NewHeatmapRecord(cfg.TrackingID, req, d.Now().UTC())
	if err := d.Heatmaps.PublishHeatmap(r.Context(), rec); err != nil {
		d.Logger.Warn("heatmap publish failed", zap.String("site_id", cfg.TrackingID), zap.Error(err))
		WriteProblem(w, http.StatusServiceUnavailable, "heatmap queue unavailable", "please retry", nil)
		return
	}
	writeAccepted(w, n)
}

// --- Realtime ---

type realtimeResp struct {
	SiteID         string   `json:"site_id"`
	ActiveVisitors int      `json:"active_visitors"`
	Visitors       []string `json:"visitors"`
}

func (d *ServerDeps) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := d.Sites.Resolve(ctx, r.PathValue("siteToken"))
	if !d.writeSiteError(w, err) {
		return
	}

	count, err := d.Presence.CountActive(ctx, cfg.TrackingID)
	if err != nil {
		d.Logger.Warn("presence count failed", zap.Error(err))
		WriteProblem(w, http.StatusServiceUnavailable, "presence unavailable", "please retry", nil)
		return
	}
	visitors, err := d.Presence.ListActive(ctx, cfg.TrackingID)
	if err != nil {
		d.Logger.Warn("presence list failed", zap.Error(err))
		WriteProblem(w, http.StatusServiceUnavailable, "presence unavailable", "please retry", nil)
		return
	}
	if visitors == nil {
		visitors = []string{}
	}
	writeJSON(w, http.StatusOK, realtimeResp{SiteID: cfg.TrackingID, ActiveVisitors: count, Visitors: visitors})
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.HandleHealthz)
	mux.HandleFunc("GET /readyz", d.HandleReadyz)

	var collect http.Handler = http.HandlerFunc(d.HandleCollect)
	collect = BodyLimit(d.Cfg.MaxBodyBytes)(collect)
	collect = RequireJSON(collect)
	mux.Handle("POST /collect", collect)

	var beacon http.Handler = http.HandlerFunc(d.HandleBeacon)
	beacon = BodyLimit(d.Cfg.MaxBodyBytes)(beacon)
	mux.Handle("POST /collect/beacon", beacon)

	var heatmap http.Handler = http.HandlerFunc(d.HandleHeatmap)
	heatmap = BodyLimit(d.Cfg.MaxBodyBytes)(heatmap)
	heatmap = RequireJSON(heatmap)
	mux.Handle("POST /collect/heatmap", heatmap)

	var realtime http.Handler = http.HandlerFunc(d.HandleRealtime)
	realtime = RateLimitPerMinute(d.Realtime, d.Cfg.TrustProxy)(realtime)
	mux.Handle("GET /realtime/{siteToken}", realtime)

	var h http.Handler = mux
	h = AccessLog(d.Logger)(h)
	h = CORS(h)
	return h
}
