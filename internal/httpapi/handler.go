// Package httpapi exposes the REST surface: device pairing and profiles,
// message history and acknowledgment, and file uploads. Authentication is a
// bearer token holding the caller's device id.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/1111mp/synclan/internal/realtime"
	"github.com/1111mp/synclan/internal/store"
	"github.com/1111mp/synclan/internal/uploads"
)

// AccessCodeHeader carries the pairing secret during device registration.
const AccessCodeHeader = "X-Access-Code"

const defaultPageSize = 20

// Config wires the handler to the rest of the server. AccessCode and
// UploadDir are funcs because their values live in the mutable settings
// store and may change between requests.
type Config struct {
	Store          *store.Store
	Hub            *realtime.Hub
	Logger         pslog.Logger
	AccessCode     func() string
	UploadDir      func() string
	UploadMaxBytes int64
}

// Handler serves the versioned REST API.
type Handler struct {
	cfg    Config
	logger pslog.Logger
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{cfg: cfg, logger: logger}
}

// Register installs all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("POST /v1/devices", h.registerDevice)
	mux.HandleFunc("GET /v1/devices", h.requireDevice(h.listDevices))
	mux.HandleFunc("GET /v1/devices/me", h.requireDevice(h.getSelf))
	mux.HandleFunc("PATCH /v1/devices/me", h.requireDevice(h.patchSelf))
	mux.HandleFunc("GET /v1/messages", h.requireDevice(h.listMessages))
	mux.HandleFunc("POST /v1/messages", h.requireDevice(h.sendMessage))
	mux.HandleFunc("GET /v1/messages/offline", h.requireDevice(h.offlineMessages))
	mux.HandleFunc("POST /v1/messages/ack", h.requireDevice(h.ackMessage))
	mux.HandleFunc("POST /v1/upload", h.requireDevice(h.upload))
}

type envelope struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Message: msg})
}

// requireDevice resolves the bearer token to a registered device before
// invoking next.
func (h *Handler) requireDevice(next func(http.ResponseWriter, *http.Request, *store.Device)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := realtime.BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		device, err := h.cfg.Store.GetDevice(r.Context(), token)
		if err != nil {
			h.logger.Error("device lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if device == nil {
			writeError(w, http.StatusUnauthorized, "unknown device")
			return
		}
		next(w, r, device)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	ID               string  `json:"id,omitempty"`
	Name             *string `json:"name,omitempty"`
	Avatar           *string `json:"avatar,omitempty"`
	AutoMessageClean int     `json:"autoMessageClean"`
}

// registerDevice pairs a new device. When an access code is configured the
// request must present it; registration with a known id is idempotent.
func (h *Handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	if code := h.cfg.AccessCode(); code != "" && r.Header.Get(AccessCodeHeader) != code {
		writeError(w, http.StatusForbidden, "access code mismatch")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ID != "" {
		existing, err := h.cfg.Store.GetDevice(r.Context(), req.ID)
		if err != nil {
			h.logger.Error("device lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if existing != nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
	} else {
		req.ID = uuid.New().String()
	}
	device, err := h.cfg.Store.CreateDevice(r.Context(), store.Device{
		ID:               req.ID,
		Name:             req.Name,
		Avatar:           req.Avatar,
		AutoMessageClean: req.AutoMessageClean,
	})
	if err != nil {
		h.logger.Error("device registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.logger.Info("device registered", "device", device.ID)
	writeJSON(w, http.StatusCreated, device)
}

type deviceView struct {
	store.Device
	Online bool `json:"online"`
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request, _ *store.Device) {
	devices, err := h.cfg.Store.ListDevices(r.Context())
	if err != nil {
		h.logger.Error("device listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{Device: d, Online: h.cfg.Hub.Online(d.ID)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) getSelf(w http.ResponseWriter, r *http.Request, device *store.Device) {
	writeJSON(w, http.StatusOK, device)
}

func (h *Handler) patchSelf(w http.ResponseWriter, r *http.Request, device *store.Device) {
	var patch store.DevicePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	updated, err := h.cfg.Store.UpdateDevice(r.Context(), device.ID, patch)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		h.logger.Error("device update failed", "device", device.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type messagePage struct {
	Messages []store.Message `json:"messages"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, device *store.Device) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", defaultPageSize)
	msgs, total, err := h.cfg.Store.MessagesFor(r.Context(), device.ID, page, pageSize)
	if err != nil {
		h.logger.Error("message query failed", "device", device.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messagePage{Messages: msgs, Total: total, Page: page, PageSize: pageSize})
}

// offlineMessages returns everything past the caller's ack cursor. The
// cursor only advances through explicit acks.
func (h *Handler) offlineMessages(w http.ResponseWriter, r *http.Request, device *store.Device) {
	var after int64
	cursor, err := h.cfg.Store.GetAck(r.Context(), device.ID)
	if err != nil {
		h.logger.Error("ack cursor lookup failed", "device", device.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cursor != nil {
		after = cursor.LastAck
	}
	msgs, err := h.cfg.Store.MessagesAfter(r.Context(), device.ID, after)
	if err != nil {
		h.logger.Error("backlog query failed", "device", device.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type ackRequest struct {
	ID int64 `json:"id"`
}

func (h *Handler) ackMessage(w http.ResponseWriter, r *http.Request, device *store.Device) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID <= 0 {
		writeError(w, http.StatusBadRequest, "malformed ack")
		return
	}
	if err := h.cfg.Store.UpsertAck(r.Context(), device.ID, req.ID); err != nil {
		h.logger.Error("ack update failed", "device", device.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"lastAck": req.ID})
}

type sendRequest struct {
	UUID     string            `json:"uuid"`
	Receiver string            `json:"receiver"`
	Type     store.MessageType `json:"type"`
	Content  *string           `json:"content,omitempty"`
	Extra    *string           `json:"extra,omitempty"`
}

type sendResponse struct {
	Message   *store.Message `json:"message"`
	Delivered bool           `json:"delivered"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request, device *store.Device) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UUID == "" {
		req.UUID = uuid.New().String()
	}
	saved, delivered, err := h.cfg.Hub.Send(r.Context(), store.Message{
		UUID:     req.UUID,
		Sender:   device.ID,
		Receiver: req.Receiver,
		Type:     req.Type,
		Content:  req.Content,
		Extra:    req.Extra,
	})
	if err != nil {
		if errors.Is(err, realtime.ErrInvalidMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("relay failed", "sender", device.ID, "receiver", req.Receiver, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Message: saved, Delivered: delivered})
}

type uploadResponse struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"sizeHuman"`
}

// upload stores one multipart file under today's upload directory.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request, device *store.Device) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.UploadMaxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge,
				"upload exceeds "+humanize.IBytes(uint64(h.cfg.UploadMaxBytes)))
			return
		}
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	dir, err := uploads.DirFor(h.cfg.UploadDir(), time.Now())
	if err != nil {
		h.logger.Error("upload dir unavailable", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// A random prefix keeps concurrent uploads of the same name apart.
	stored := xid.New().String() + "_" + name
	dst, err := os.OpenFile(filepath.Join(dir, stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		h.logger.Error("upload create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer dst.Close()
	size, err := io.Copy(dst, file)
	if err != nil {
		os.Remove(dst.Name())
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge,
				"upload exceeds "+humanize.IBytes(uint64(h.cfg.UploadMaxBytes)))
			return
		}
		h.logger.Error("upload write failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	rel := filepath.ToSlash(filepath.Join(filepath.Base(dir), stored))
	h.logger.Info("file received", "device", device.ID, "path", rel, "size", humanize.IBytes(uint64(size)))
	writeJSON(w, http.StatusCreated, uploadResponse{Path: rel, Size: size, SizeHuman: humanize.IBytes(uint64(size))})
}

// isTooLarge detects the MaxBytesReader limit, which the multipart parser
// does not always surface as a wrapped *http.MaxBytesError.
func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
