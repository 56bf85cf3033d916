/*Package api is the management REST surface of the fleet backend.

It covers firmware lifecycle (upload, listing, rollback, distribution
trigger), device listing and a health endpoint. All routes except the health
probe require the configured api key.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/fleetware-tech/fleetware/core/blob"
	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/firmware"
	"github.com/fleetware-tech/fleetware/iot/store"
)

// maxUploadSize bounds firmware uploads to 64 MiB.
const maxUploadSize = 64 << 20

// allowed firmware file extensions
var allowedExtensions = map[string]bool{
	".bin": true,
	".hex": true,
	".dfu": true,
}

// Distributor triggers firmware distributions.
type Distributor interface {
	Distribute(ctx context.Context, version string, sel store.Selection) error
}

// Builder is a builder helper for the API
type Builder struct {
	// Store is the fleet storage. This is mandatory.
	Store store.Store
	// Artifacts stores the firmware binaries. This is mandatory.
	Artifacts blob.Driver
	// Distributor runs firmware distributions. This is mandatory.
	Distributor Distributor
	// APIKey guards all routes except the health endpoint. Mandatory.
	APIKey string
}

// API is the management REST surface.
type API struct {
	store       store.Store
	artifacts   blob.Driver
	distributor Distributor
	apiKey      string
	router      *mux.Router
}

// New returns the API with all routes installed.
func New(bb *Builder) *API {
	if bb.Store == nil {
		panic("store is missing")
	}
	if bb.Artifacts == nil {
		panic("artifact storage is missing")
	}
	if bb.Distributor == nil {
		panic("distributor is missing")
	}
	if bb.APIKey == "" {
		panic("api key is missing")
	}
	a := &API{
		store:       bb.Store,
		artifacts:   bb.Artifacts,
		distributor: bb.Distributor,
		apiKey:      bb.APIKey,
		router:      mux.NewRouter(),
	}
	logger.AddRequestID(a.router)
	a.router.HandleFunc("/health", a.health).Methods(http.MethodGet)

	guarded := a.router.NewRoute().Subrouter()
	guarded.Use(a.requireAPIKey)
	guarded.HandleFunc("/firmware", a.uploadFirmware).Methods(http.MethodPost)
	guarded.HandleFunc("/firmware", a.listFirmware).Methods(http.MethodGet)
	guarded.HandleFunc("/firmware/{id}", a.deleteFirmware).Methods(http.MethodDelete)
	guarded.HandleFunc("/firmware/{id}/rollback", a.rollbackFirmware).Methods(http.MethodPost)
	guarded.HandleFunc("/firmware/{version}/distribute", a.distribute).Methods(http.MethodPost)
	guarded.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)
	return a
}

// Handler returns the http.Handler of the API, with compression and CORS
// applied.
func (a *API) Handler() http.Handler {
	return handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type", "X-Api-Key"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
	)(handlers.CompressHandler(a.router))
}

func (a *API) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != a.apiKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// validVersion accepts semantic versions strictly greater than 0.0.0, with
// an optional leading v and an optional prerelease suffix.
func validVersion(version string) bool {
	version = store.NormalizeVersion(version)
	if i := strings.IndexByte(version, '-'); i >= 0 {
		version = version[:i]
	}
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return false
	}
	sum := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return false
		}
		sum += n
	}
	return sum > 0
}

func requestIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// uploadFirmware accepts a multipart form with a version field and a
// firmware file. Uploading an existing version replaces its binary.
func (a *API) uploadFirmware(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rlog := logger.FromContext(ctx)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "cannot parse upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	version := r.FormValue("version")
	if !validVersion(version) {
		http.Error(w, "version must be a semantic version greater than 0.0.0", http.StatusBadRequest)
		return
	}
	version = store.NormalizeVersion(version)

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "firmware file is missing", http.StatusBadRequest)
		return
	}
	defer file.Close()
	ext := strings.ToLower(path.Ext(header.Filename))
	if !allowedExtensions[ext] {
		http.Error(w, fmt.Sprintf("file extension %q is not a firmware binary", ext), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil || len(data) == 0 {
		http.Error(w, "cannot read firmware file", http.StatusBadRequest)
		return
	}

	key := "firmware/" + version + ext
	if err := a.artifacts.Upload(ctx, key, data); err != nil {
		rlog.WithError(err).Error("cannot store firmware binary")
		http.Error(w, "cannot store firmware binary", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	existing, err := a.store.FirmwareByVersion(ctx, version)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		// same version: the new binary replaces the old record's file
		if existing.Src != key {
			a.artifacts.Delete(ctx, existing.Src)
			if err := a.store.DeleteFirmware(ctx, existing.ID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			existing = nil
		} else {
			existing.UploadedFromIP = requestIP(r)
			existing.UpdatedAt = now
		}
	}
	record := existing
	if record == nil {
		record = &store.FirmwareRecord{
			ID:             store.NewID(),
			Src:            key,
			Feature:        r.FormValue("feature"),
			Version:        version,
			IsCurrent:      true,
			UploadedFromIP: requestIP(r),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := a.store.CreateFirmware(ctx, record); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	rlog.Infof("firmware %s uploaded (%d bytes) from %s", version, len(data), record.UploadedFromIP)
	a.startDistribution(record.Version, store.Selection{})
	writeJSON(w, http.StatusCreated, record)
}

// startDistribution runs a distribution in the background. A run that is
// already in flight for the version is logged, not an error.
func (a *API) startDistribution(version string, sel store.Selection) {
	go func() {
		ctx, rlog := logger.ContextWithLogger(context.Background())
		err := a.distributor.Distribute(ctx, version, sel)
		if errors.Is(err, firmware.ErrAlreadyRunning) {
			rlog.Warnf("distribution of firmware %s is already running", version)
		} else if err != nil {
			rlog.WithError(err).Errorf("distribution of firmware %s failed", version)
		}
	}()
}

func (a *API) listFirmware(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.ListFirmware(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// deleteFirmware rolls a version back: it removes the record and its
// binary.
func (a *API) deleteFirmware(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid firmware id", http.StatusBadRequest)
		return
	}
	record, err := a.store.FirmwareByID(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "no such firmware record", http.StatusNotFound)
		return
	}
	if err := a.store.DeleteFirmware(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.artifacts.Delete(ctx, record.Src); err != nil {
		logger.FromContext(ctx).WithError(err).Warnf("could not delete firmware binary %s", record.Src)
	}
	w.WriteHeader(http.StatusNoContent)
}

type distributeRequest struct {
	GroupID  *uuid.UUID `json:"groupId"`
	DeviceID *uuid.UUID `json:"deviceId"`
}

func parseSelection(r *http.Request) (store.Selection, error) {
	var req distributeRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			return store.Selection{}, err
		}
	}
	return store.Selection{GroupID: req.GroupID, DeviceID: req.DeviceID}, nil
}

// distribute triggers a distribution run in the background and returns
// immediately.
func (a *API) distribute(w http.ResponseWriter, r *http.Request) {
	version := mux.Vars(r)["version"]
	record, err := a.store.FirmwareByVersion(r.Context(), version)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "no such firmware version", http.StatusNotFound)
		return
	}
	sel, err := parseSelection(r)
	if err != nil {
		http.Error(w, "cannot parse selection: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.startDistribution(record.Version, sel)
	writeJSON(w, http.StatusAccepted, map[string]string{"version": record.Version, "status": "distributing"})
}

// rollbackFirmware re-distributes a previously uploaded record, selected by
// id so an older version can be pushed over a newer one.
func (a *API) rollbackFirmware(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid firmware id", http.StatusBadRequest)
		return
	}
	record, err := a.store.FirmwareByID(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "no such firmware record", http.StatusNotFound)
		return
	}
	// the binary must still be in place before devices are asked to flash it
	if _, err := a.artifacts.Download(ctx, record.Src); err != nil {
		http.Error(w, "firmware binary is no longer available", http.StatusConflict)
		return
	}
	sel, err := parseSelection(r)
	if err != nil {
		http.Error(w, "cannot parse selection: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.startDistribution(record.Version, sel)
	writeJSON(w, http.StatusAccepted, map[string]string{"version": record.Version, "status": "distributing"})
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	sel := store.Selection{}
	if groupID := r.URL.Query().Get("groupId"); groupID != "" {
		id, err := uuid.Parse(groupID)
		if err != nil {
			http.Error(w, "invalid group id", http.StatusBadRequest)
			return
		}
		sel.GroupID = &id
	}
	devices, err := a.store.ListDevices(r.Context(), sel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}
