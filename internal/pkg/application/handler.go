package application

import (
	"bytes"
	"compress/flate"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/application/telemetry"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-telemetry-ingest/internal/pkg/infrastructure/repositories/database"

	"github.com/rs/cors"

	ngsi "github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/ngsi-ld"
)

//maxPayloadBytes bounds the request bodies we are willing to read from devices
const maxPayloadBytes = 64 * 1024

//RequestRouter wraps the concrete router implementation
type RequestRouter struct {
	impl *chi.Mux
}

func (router *RequestRouter) addIngestionHandlers(ingestor *Ingestor, log logging.Logger) {
	insertData := NewInsertDataHandler(ingestor, log)

	router.Get("/insert_data", insertData)
	router.Post("/insert_data", insertData)
}

func (router *RequestRouter) addQueryHandlers(db database.Datastore, log logging.Logger) {
	router.Get("/api/devices", NewQueryDevicesHandler(db, log))
	router.Get("/api/devices/{code}", NewRetrieveDeviceHandler(db, log))
	router.Get("/api/sensors/{id}/samples", NewQuerySamplesHandler(db, log))
	router.Get("/health", NewHealthHandler(db))
}

func (router *RequestRouter) addNGSIHandlers(contextRegistry ngsi.ContextRegistry) {
	router.Get("/ngsi-ld/v1/entities", ngsi.NewQueryEntitiesHandler(contextRegistry))
	router.Patch("/ngsi-ld/v1/entities/{entity}/attrs/", ngsi.NewUpdateEntityAttributesHandler(contextRegistry))
}

//Get accepts a pattern that should be routed to the handlerFn on a GET request
func (router *RequestRouter) Get(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Get(pattern, handlerFn)
}

//Patch accepts a pattern that should be routed to the handlerFn on a PATCH request
func (router *RequestRouter) Patch(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Patch(pattern, handlerFn)
}

//Post accepts a pattern that should be routed to the handlerFn on a POST request
func (router *RequestRouter) Post(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Post(pattern, handlerFn)
}

//ServeHTTP lets the router be used as a http.Handler
func (router *RequestRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	router.impl.ServeHTTP(w, r)
}

func newRequestRouter(timeout time.Duration) *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json", "application/ld+json")
	router.impl.Use(compressor.Handler)
	router.impl.Use(middleware.Logger)
	router.impl.Use(middleware.Recoverer)
	router.impl.Use(middleware.Timeout(timeout))

	return router
}

//CreateRequestRouter sets up the ingestion, query and NGSI-LD routes
func CreateRequestRouter(log logging.Logger, db database.Datastore, ingestor *Ingestor, timeout time.Duration) *RequestRouter {
	router := newRequestRouter(timeout)

	router.addIngestionHandlers(ingestor, log)
	router.addQueryHandlers(db, log)
	router.addNGSIHandlers(createContextRegistry(log, db, ingestor))

	return router
}

type rejection struct {
	Status  string   `json:"status"`
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}

//NewInsertDataHandler accepts telemetry either as a JSON body or as query parameters.
//When both are present the body takes precedence.
func NewInsertDataHandler(ingestor *Ingestor, log logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values := telemetry.FromQuery(r.URL.Query())

		if r.Body != nil {
			body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
			if err != nil {
				tooLarge := &http.MaxBytesError{}
				if errors.As(err, &tooLarge) {
					log.Warnf("Rejected telemetry: body exceeds %d bytes", tooLarge.Limit)
					writeJSON(w, http.StatusRequestEntityTooLarge, rejection{
						Status: "rejected",
						Error:  fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
					})
					return
				}

				writeJSON(w, http.StatusBadRequest, rejection{Status: "rejected", Error: "failed to read request body"})
				return
			}

			if len(bytes.TrimSpace(body)) > 0 {
				fromBody, err := telemetry.ReadJSON(bytes.NewReader(body))
				if err != nil {
					log.Warnf("Rejected telemetry: %s", err.Error())
					writeJSON(w, http.StatusBadRequest, rejection{Status: "rejected", Error: err.Error()})
					return
				}

				for key, value := range fromBody {
					values[key] = value
				}
			}
		}

		msg, err := telemetry.Decode(values)
		if err != nil {
			decodeErr := &telemetry.DecodeError{}
			if errors.As(err, &decodeErr) {
				log.Warnf("Rejected telemetry: %s", err.Error())
				writeJSON(w, http.StatusBadRequest, rejection{Status: "rejected", Error: err.Error(), Missing: decodeErr.Missing})
				return
			}

			writeJSON(w, http.StatusBadRequest, rejection{Status: "rejected", Error: err.Error()})
			return
		}

		ack, err := ingestor.Ingest(r.Context(), msg)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, database.ErrStorageUnavailable) {
				status = http.StatusServiceUnavailable
			}

			writeJSON(w, status, rejection{Status: "failed", Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, ack)
	}
}

//NewQueryDevicesHandler lists all known devices
func NewQueryDevicesHandler(db database.Datastore, log logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices, err := db.GetDevices(r.Context())
		if err != nil {
			log.Errorf("Unable to get devices: %s", err.Error())
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, devices)
	}
}

//NewRetrieveDeviceHandler returns a single device together with its sensors
func NewRetrieveDeviceHandler(db database.Datastore, log logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device, err := db.GetDeviceFromCode(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				log.Errorf("Unable to get device: %s", err.Error())
			}
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, device)
	}
}

//NewQuerySamplesHandler returns the samples of a sensor, optionally limited by the
//inclusive timestamp bounds from and to
func NewQuerySamplesHandler(db database.Datastore, log logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
		if err != nil {
			http.Error(w, "sensor id must be a positive integer", http.StatusBadRequest)
			return
		}

		query, err := sampleQueryFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if _, err = db.GetSensorFromID(r.Context(), uint(id)); err != nil {
			writeError(w, err)
			return
		}

		samples, err := db.GetSamples(r.Context(), uint(id), query)
		if err != nil {
			log.Errorf("Unable to get samples: %s", err.Error())
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, samples)
	}
}

//NewHealthHandler reports whether the datastore can be reached
func NewHealthHandler(db database.Datastore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func sampleQueryFromRequest(r *http.Request) (database.SampleQuery, error) {
	query := database.SampleQuery{}
	params := r.URL.Query()

	for _, bound := range []struct {
		name   string
		target **int64
	}{{"from", &query.From}, {"to", &query.To}} {
		if raw := params.Get(bound.name); raw != "" {
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return query, fmt.Errorf("%s must be an integer timestamp", bound.name)
			}
			*bound.target = &value
		}
	}

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return query, fmt.Errorf("limit must be a positive integer")
		}
		query.Limit = limit
	}

	return query, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	if errors.Is(err, database.ErrNotFound) {
		status = http.StatusNotFound
	} else if errors.Is(err, database.ErrStorageUnavailable) {
		status = http.StatusServiceUnavailable
	}

	http.Error(w, http.StatusText(status), status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}
