package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/cjeanneret/MountGo/internal/hw/motor"
	"github.com/cjeanneret/MountGo/internal/logic/cmderr"
	"github.com/cjeanneret/MountGo/internal/logic/coord"
	"github.com/cjeanneret/MountGo/internal/logic/motion"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Runner runs fn inside the control loop. *scheduler.Scheduler satisfies it.
type Runner interface {
	Do(fn func())
}

// SiteInfo is the static description served on GET /config.
type SiteInfo struct {
	MountType    string  `json:"mount_type"`
	LatitudeDeg  float64 `json:"latitude_deg"`
	LongitudeDeg float64 `json:"longitude_deg"`
	TangentArm   bool    `json:"tangent_arm"`
}

// Handlers serves the mount API.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Mount       *motion.Mount
	Runner      Runner
	Site        SiteInfo
	staticFS    fs.FS
}

func NewHandlers(broadcaster *StatusBroadcaster, m *motion.Mount, runner Runner, site SiteInfo, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Mount:       m,
		Runner:      runner,
		Site:        site,
		staticFS:    staticFS,
	}
}

// do runs fn in the control loop and returns its error.
func (h *Handlers) do(fn func() error) error {
	var err error
	h.Runner.Do(func() { err = fn() })
	return err
}

// GotoRequest is the body of POST /goto. Exactly one of HADeg and RAHours
// must be set.
type GotoRequest struct {
	HADeg    *float64 `json:"ha_deg,omitempty"`
	RAHours  *float64 `json:"ra_hours,omitempty"`
	DecDeg   float64  `json:"dec_deg"`
	PierSide string   `json:"pier_side,omitempty"`
	Native   bool     `json:"native,omitempty"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ValidateGotoRequest checks ranges without touching the mount.
func ValidateGotoRequest(g GotoRequest) error {
	if (g.HADeg == nil) == (g.RAHours == nil) {
		return errors.New("exactly one of ha_deg and ra_hours is required")
	}
	if g.HADeg != nil && (!finite(*g.HADeg) || *g.HADeg < -180 || *g.HADeg > 180) {
		return errors.New("ha_deg must be between -180 and 180")
	}
	if g.RAHours != nil && (!finite(*g.RAHours) || *g.RAHours < 0 || *g.RAHours >= 24) {
		return errors.New("ra_hours must be between 0 and 24")
	}
	if !finite(g.DecDeg) || g.DecDeg < -90 || g.DecDeg > 90 {
		return errors.New("dec_deg must be between -90 and 90")
	}
	if _, err := motion.ParsePierSideSelect(g.PierSide); err != nil {
		return errors.New("pier_side must be best, east, west, east-only, west-only or same-only")
	}
	return nil
}

// Target returns the mount-frame target of a validated request. A right
// ascension is converted to hour angle at the current sidereal time.
func (g GotoRequest) Target(t coord.Transform) coord.Coordinate {
	target := coord.Coordinate{D: g.DecDeg * coord.Deg}
	if g.HADeg != nil {
		target.H = *g.HADeg * coord.Deg
		return target
	}
	target.R = *g.RAHours * 15 * coord.Deg
	return t.RightAscensionToHourAngle(target)
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a command error to an HTTP status by its kind.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	kind := cmderr.KindOf(err)
	switch {
	case errors.Is(err, cmderr.ErrInvalidArgument):
		code = http.StatusBadRequest
	case kind == cmderr.KindPrecondition:
		code = http.StatusConflict
	case kind == cmderr.KindGeometric:
		code = http.StatusUnprocessableEntity
	case kind == cmderr.KindHardware:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "kind": kind.String()})
}

func ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleConfig returns the site description.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Site)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var st motion.Status
	h.Runner.Do(func() { st = h.Mount.Status() })
	writeJSON(w, http.StatusOK, st)
}

// HandleGoto handles POST /goto.
func (h *Handlers) HandleGoto(w http.ResponseWriter, r *http.Request) {
	var req GotoRequest
	if !decode(w, r, &req) {
		return
	}
	if err := ValidateGotoRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pss, _ := motion.ParsePierSideSelect(req.PierSide)

	err := h.do(func() error {
		return h.Mount.Goto().Request(req.Target(h.Mount.Transform()), pss, req.Native)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.Broadcaster.Broadcast("info", fmt.Sprintf("Goto started to Dec %.4f°", req.DecDeg))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.Runner.Do(h.Mount.Stop)
	ok(w)
}

func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.do(h.Mount.Goto().Resume); err != nil {
		writeError(w, err)
		return
	}
	ok(w)
}

// HomeRequest is the body of POST /home.
type HomeRequest struct {
	ResetAfter bool `json:"reset_after"`
}

func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	var req HomeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.do(func() error { return h.Mount.Home().Request(req.ResetAfter) }); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// ResetRequest is the body of POST /home/reset.
type ResetRequest struct {
	Full bool `json:"full"`
}

func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.do(func() error { return h.Mount.Home().Reset(req.Full) }); err != nil {
		writeError(w, err)
		return
	}
	ok(w)
}

// OnRequest is the body of the on/off endpoints.
type OnRequest struct {
	On bool `json:"on"`
}

func (h *Handlers) HandleTracking(w http.ResponseWriter, r *http.Request) {
	var req OnRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.do(func() error { return h.Mount.SetTracking(req.On) }); err != nil {
		writeError(w, err)
		return
	}
	ok(w)
}

func (h *Handlers) HandleEnable(w http.ResponseWriter, r *http.Request) {
	var req OnRequest
	if !decode(w, r, &req) {
		return
	}
	h.Runner.Do(func() { h.Mount.Enable(req.On) })
	ok(w)
}

// SlewRequest is the body of POST /slew. Dir is forward, reverse or stop.
type SlewRequest struct {
	Axis    int     `json:"axis"`
	Dir     string  `json:"dir"`
	RateDeg float64 `json:"rate_deg"`
}

func (h *Handlers) HandleSlew(w http.ResponseWriter, r *http.Request) {
	var req SlewRequest
	if !decode(w, r, &req) {
		return
	}
	if !finite(req.RateDeg) || req.RateDeg < 0 {
		http.Error(w, "rate_deg must be >= 0", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Dir {
	case "forward", "reverse":
		dir := motor.DirForward
		if req.Dir == "reverse" {
			dir = motor.DirReverse
		}
		err = h.do(func() error { return h.Mount.Slew(req.Axis, dir, req.RateDeg*coord.Deg) })
	case "stop":
		err = h.do(func() error { return h.Mount.SlewStop(req.Axis) })
	default:
		http.Error(w, "dir must be forward, reverse or stop", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w)
}

func (h *Handlers) HandlePark(w http.ResponseWriter, r *http.Request) {
	if err := h.do(h.Mount.Park().Park); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handlers) HandleUnpark(w http.ResponseWriter, r *http.Request) {
	if err := h.do(h.Mount.Park().Unpark); err != nil {
		writeError(w, err)
		return
	}
	ok(w)
}

// GotoSettings is the JSON form of the persisted goto settings.
type GotoSettings struct {
	AutoMeridianFlip  bool    `json:"auto_meridian_flip"`
	PauseAtHome       bool    `json:"pause_at_home"`
	SkipHome          bool    `json:"skip_home"`
	PreferredPierSide string  `json:"preferred_pier_side"`
	UsPerStep         float64 `json:"us_per_step"`
}

func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	var s motion.Settings
	h.Runner.Do(func() { s = h.Mount.Goto().Settings() })
	writeJSON(w, http.StatusOK, GotoSettings{
		AutoMeridianFlip:  s.AutoMeridianFlip,
		PauseAtHome:       s.PauseAtHome,
		SkipHome:          s.SkipHome,
		PreferredPierSide: s.PreferredPierSide.String(),
		UsPerStep:         s.UsPerStep,
	})
}

func (h *Handlers) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req GotoSettings
	if !decode(w, r, &req) {
		return
	}
	pss, err := motion.ParsePierSideSelect(req.PreferredPierSide)
	if err != nil {
		writeError(w, err)
		return
	}
	s := motion.Settings{
		AutoMeridianFlip:  req.AutoMeridianFlip,
		PauseAtHome:       req.PauseAtHome,
		SkipHome:          req.SkipHome,
		PreferredPierSide: pss,
		UsPerStep:         req.UsPerStep,
	}
	if err := h.do(func() error { return h.Mount.Goto().SetSettings(s) }); err != nil {
		writeError(w, err)
		return
	}
	ok(w)
}

// AxisLimitsRequest is the body of PUT /axis/limits.
type AxisLimitsRequest struct {
	Axis   int     `json:"axis"`
	MinDeg float64 `json:"min_deg"`
	MaxDeg float64 `json:"max_deg"`
}

func (h *Handlers) HandleAxisLimits(w http.ResponseWriter, r *http.Request) {
	var req AxisLimitsRequest
	if !decode(w, r, &req) {
		return
	}
	if !finite(req.MinDeg) || !finite(req.MaxDeg) {
		http.Error(w, "min_deg and max_deg must be finite", http.StatusBadRequest)
		return
	}
	err := h.do(func() error {
		return h.Mount.SetAxisLimits(req.Axis, req.MinDeg*coord.Deg, req.MaxDeg*coord.Deg)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w)
}

// AlignRequest is the body of POST /align/start.
type AlignRequest struct {
	Stars int `json:"stars"`
}

func (h *Handlers) HandleAlignStart(w http.ResponseWriter, r *http.Request) {
	var req AlignRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.do(func() error { return h.Mount.Goto().AlignStart(req.Stars) }); err != nil {
		writeError(w, err)
		return
	}
	ok(w)
}

func (h *Handlers) HandleAlignAccept(w http.ResponseWriter, r *http.Request) {
	if err := h.do(h.Mount.Goto().AlignAccept); err != nil {
		writeError(w, err)
		return
	}
	ok(w)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// PublishStatus broadcasts a status snapshot every period while clients
// are connected, until ctx is cancelled.
func (h *Handlers) PublishStatus(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if h.Broadcaster.Clients() == 0 {
				continue
			}
			var st motion.Status
			h.Runner.Do(func() { st = h.Mount.Status() })
			if err := h.Broadcaster.BroadcastStatus(st); err != nil {
				log.Printf("status broadcast: %v", err)
			}
		}
	}
}
