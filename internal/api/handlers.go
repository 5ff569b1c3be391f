package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/ipmimon/internal/channel"
	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/journal"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"github.com/gorilla/mux"
)

const (
	defaultCommandLimit = 20
	maxCommandLimit     = 500
	maxBodySize         = 1 << 10
)

type handler struct {
	engine  Engine
	journal journal.Recorder
	log     logger.Logger
}

type ChannelValue struct {
	ID        string    `json:"id"`
	Value     any       `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Health struct {
	Status    string `json:"status"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
	Summary   string `json:"summary"`
	LastError string `json:"lastError,omitempty"`
}

type PowerCapRequest struct {
	Watts *int `json:"watts"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func toChannelValue(v channel.Value) ChannelValue {
	return ChannelValue{
		ID:        v.ID.String(),
		Value:     v.Value,
		Unit:      string(v.ID.Doc().Unit),
		Timestamp: v.Timestamp,
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var coded errors.Error
	if errors.As(err, &coded) {
		resp.Code = string(coded.Code())
	}
	h.writeJSON(w, status, resp)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.HasCode(err, errors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.HasCode(err, errors.ErrCommandRejected):
		return http.StatusConflict
	case errors.HasCode(err, errors.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.HasCode(err, errors.ErrTransport),
		errors.HasCode(err, errors.ErrAuthentication),
		errors.HasCode(err, errors.ErrCorruptResponse),
		errors.HasCode(err, errors.ErrUnknownProtocol):
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := Health{
		Status:  "ok",
		Address: h.engine.Address(),
		Summary: h.engine.Summary(),
	}

	if v, ok := h.engine.Get(channel.ConnectionStatus); ok {
		resp.Connected, _ = v.Bool()
	}
	if err := h.engine.LastError(); err != nil {
		resp.LastError = err.Error()
	}

	status := http.StatusOK
	switch {
	case h.engine.Stopped():
		resp.Status = "stopped"
		status = http.StatusServiceUnavailable
	case !resp.Connected:
		resp.Status = "degraded"
	}

	h.writeJSON(w, status, resp)
}

func (h *handler) listChannels(w http.ResponseWriter, _ *http.Request) {
	values := h.engine.Snapshot()

	resp := make([]ChannelValue, 0, len(values))
	for _, v := range values {
		resp = append(resp, toChannelValue(v))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getChannel(w http.ResponseWriter, r *http.Request) {
	errFactory := errors.New()

	name := mux.Vars(r)["id"]
	id, ok := channel.ParseID(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, errFactory.WithData(errors.ErrInvalidArgument, "unknown channel "+name))
		return
	}

	v, ok := h.engine.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, errFactory.WithMessage(errors.ErrUnavailable, id.String()+" has no value yet"))
		return
	}

	h.writeJSON(w, http.StatusOK, toChannelValue(v))
}

func (h *handler) setPowerCap(w http.ResponseWriter, r *http.Request) {
	errFactory := errors.New()

	var req PowerCapRequest
	body := io.LimitReader(r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errFactory.Wrap(errors.ErrInvalidArgument, err))
		return
	}
	if req.Watts == nil {
		h.writeError(w, http.StatusBadRequest, errFactory.WithData(errors.ErrInvalidArgument, "watts is required"))
		return
	}

	if err := h.engine.SetPowerCap(r.Context(), *req.Watts); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"watts": *req.Watts})
}

func (h *handler) listCommands(w http.ResponseWriter, r *http.Request) {
	errFactory := errors.New()

	limit := defaultCommandLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxCommandLimit {
			h.writeError(w, http.StatusBadRequest, errFactory.WithData(errors.ErrInvalidArgument, "limit="+s))
			return
		}
		limit = n
	}

	entries, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	h.writeJSON(w, http.StatusOK, entries)
}
