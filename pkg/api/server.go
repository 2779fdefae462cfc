package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hutchcloud/hutch/pkg/controller"
	"github.com/hutchcloud/hutch/pkg/events"
	"github.com/hutchcloud/hutch/pkg/fleet"
	"github.com/hutchcloud/hutch/pkg/imaging"
	"github.com/hutchcloud/hutch/pkg/keystore"
	"github.com/hutchcloud/hutch/pkg/log"
	"github.com/hutchcloud/hutch/pkg/metrics"
	"github.com/hutchcloud/hutch/pkg/namespace"
	"github.com/hutchcloud/hutch/pkg/provider"
	"github.com/hutchcloud/hutch/pkg/publisher"
	"github.com/hutchcloud/hutch/pkg/queue"
	"github.com/hutchcloud/hutch/pkg/resolver"
	"github.com/hutchcloud/hutch/pkg/role"
	"github.com/hutchcloud/hutch/pkg/storage"
	"github.com/hutchcloud/hutch/pkg/types"
)

// Config tunes the HTTP server.
type Config struct {
	Addr string

	// Token is the static bearer token required on /v1 routes. Empty
	// disables authentication.
	Token string

	// Version is reported by /healthz.
	Version string

	ReadTimeout time.Duration

	// WriteTimeout is passed through to net/http, zero meaning none.
	// Long-poll receives and synchronous box creates hold responses
	// open, so only set this above ReceiveMaxWait plus the longest
	// provisioning run you will wait out inline.
	WriteTimeout time.Duration

	IdleTimeout time.Duration

	// ReceiveMaxBatch and ReceiveMaxWait cap what a single queue
	// receive call may ask for.
	ReceiveMaxBatch int
	ReceiveMaxWait  time.Duration

	// AsyncTimeout bounds box operations detached from their request.
	AsyncTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ReceiveMaxBatch <= 0 {
		c.ReceiveMaxBatch = 10
	}
	if c.ReceiveMaxWait <= 0 {
		c.ReceiveMaxWait = 20 * time.Second
	}
	if c.AsyncTimeout <= 0 {
		c.AsyncTimeout = 30 * time.Minute
	}
	return c
}

// Deps are the control-plane components the server fronts.
type Deps struct {
	Controller *controller.Controller
	Fleet      *fleet.Fleet
	Imaging    *imaging.Builder
	Publisher  *publisher.Publisher
	Store      storage.Store
	Events     *events.Broker
}

// Server is the control-plane HTTP API.
type Server struct {
	cfg    Config
	ctrl   *controller.Controller
	fleet  *fleet.Fleet
	images *imaging.Builder
	pub    *publisher.Publisher
	store  storage.Store
	events *events.Broker
	logger zerolog.Logger

	router chi.Router
	http   *http.Server

	// baseCtx outlives individual requests; async box operations run
	// under it so they survive their originating request. Stop cancels
	// it and waits for them.
	baseCtx context.Context
	cancel  context.CancelFunc
	async   sync.WaitGroup
}

// NewServer assembles the router around the given components.
func NewServer(deps Deps, cfg Config) (*Server, error) {
	switch {
	case deps.Controller == nil:
		return nil, errors.New("api: controller required")
	case deps.Fleet == nil:
		return nil, errors.New("api: fleet required")
	case deps.Imaging == nil:
		return nil, errors.New("api: imaging builder required")
	case deps.Publisher == nil:
		return nil, errors.New("api: publisher required")
	case deps.Store == nil:
		return nil, errors.New("api: store required")
	case deps.Events == nil:
		return nil, errors.New("api: event broker required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg.withDefaults(),
		ctrl:    deps.Controller,
		fleet:   deps.Fleet,
		images:  deps.Imaging,
		pub:     deps.Publisher,
		store:   deps.Store,
		events:  deps.Events,
		logger:  log.WithComponent("api"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/keys", func(r chi.Router) {
			r.Post("/", s.handleRegisterKey)
			r.Get("/", s.handleListKeys)
			r.Delete("/{fingerprint}", s.handleDeregisterKey)
		})
		r.Get("/snapshot", s.handleSnapshot)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.handleSubscribe)
			r.Delete("/{queue}", s.handleUnsubscribe)
		})
		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Post("/receive", s.handleReceive)
			r.Post("/ack", s.handleAck)
		})

		r.Route("/boxes", func(r chi.Router) {
			r.Get("/", s.handleListBoxes)
			r.Post("/", s.handleCreateBoxes)
			r.Get("/{id}", s.handleGetBox)
			r.Post("/{id}/stop", s.handleStopBox)
			r.Post("/{id}/start", s.handleStartBox)
			r.Post("/{id}/terminate", s.handleTerminateBox)
			r.Post("/{id}/image", s.handleImageBox)
		})

		r.Route("/images", func(r chi.Router) {
			r.Get("/", s.handleListImages)
			r.Delete("/{id}", s.handleDeleteImage)
		})

		r.Get("/watch", s.handleWatch)
	})
	return r
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and waits for detached box operations.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.async.Wait()
	return err
}

// spawn runs a detached box operation under the server's lifetime.
func (s *Server) spawn(op string, fn func(ctx context.Context) error) {
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.AsyncTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error().Err(err).Str("op", op).Msg("detached operation failed")
		}
	}()
}

// boxID renders an identity as its URL-safe form, e.g. "_env_box-0".
func boxID(id types.Identity) string {
	return fmt.Sprintf("%s-%d", namespace.ToProviderName(id.Name()), id.Ordinal)
}

// parseBoxID inverts boxID. The ordinal is everything after the last
// dash; the rest transliterates back to the namespaced role path.
func parseBoxID(s string) (types.Identity, error) {
	cut := strings.LastIndex(s, "-")
	if cut <= 0 {
		return types.Identity{}, fmt.Errorf("malformed box id %q", s)
	}
	ordinal, err := strconv.Atoi(s[cut+1:])
	if err != nil || ordinal < 0 {
		return types.Identity{}, fmt.Errorf("malformed box id %q: bad ordinal", s)
	}
	name := namespace.FromProviderName(s[:cut])
	sep := strings.LastIndex(name, "/")
	if sep < 0 {
		return types.Identity{}, fmt.Errorf("malformed box id %q", s)
	}
	id := types.Identity{Namespace: name[:sep+1], Role: name[sep+1:], Ordinal: ordinal}
	if err := namespace.Validate(id.Namespace); err != nil {
		return types.Identity{}, fmt.Errorf("malformed box id %q: %w", s, err)
	}
	if err := namespace.ValidateRole(id.Role); err != nil {
		return types.Identity{}, fmt.Errorf("malformed box id %q: %w", s, err)
	}
	return id, nil
}

// errorBody is the JSON error shape. Code is machine-readable; clients
// map it back to sentinel errors.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	codeInvalidArgument  = "invalid_argument"
	codeUnauthorized     = "unauthorized"
	codeNotFound         = "not_found"
	codeConflict         = "conflict"
	codeInvalidState     = "invalid_state"
	codeAmbiguous        = "ambiguous"
	codeUnavailable      = "unavailable"
	codeQueueGone        = "queue_gone"
	codeUnknownReceipt   = "unknown_receipt"
	codeProvisionTimeout = "provision_timeout"
	codeImagingTimeout   = "imaging_timeout"
	codeBootstrapFailed  = "bootstrap_failed"
	codeInternal         = "internal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	} else {
		s.logger.Debug().Err(err).Str("code", code).Msg("request rejected")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func (s *Server) writeInvalid(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error: fmt.Sprintf(format, args...),
		Code:  codeInvalidArgument,
	})
}

// classify maps domain errors onto HTTP statuses and wire codes.
func classify(err error) (int, string) {
	var (
		conflict  *controller.ConflictError
		state     *controller.InvalidStateError
		ambiguous *resolver.AmbiguousReferenceError
		provision *controller.ProvisioningTimeoutError
		bootstrap *controller.BootstrapScriptFailure
		imgWait   *imaging.ImagingTimeoutError
	)
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict, codeConflict
	case errors.As(err, &state):
		return http.StatusConflict, codeInvalidState
	case errors.As(err, &ambiguous):
		return http.StatusBadRequest, codeAmbiguous
	case errors.As(err, &provision):
		return http.StatusGatewayTimeout, codeProvisionTimeout
	case errors.As(err, &bootstrap):
		return http.StatusBadGateway, codeBootstrapFailed
	case errors.As(err, &imgWait):
		return http.StatusGatewayTimeout, codeImagingTimeout
	case errors.Is(err, role.ErrUnknownRole):
		return http.StatusBadRequest, codeInvalidArgument
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, keystore.ErrKeyNotFound),
		errors.Is(err, provider.ErrInstanceNotFound),
		errors.Is(err, provider.ErrImageNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, keystore.ErrUnavailable):
		return http.StatusServiceUnavailable, codeUnavailable
	case errors.Is(err, queue.ErrNoSuchQueue):
		return http.StatusGone, codeQueueGone
	case errors.Is(err, queue.ErrUnknownReceipt):
		return http.StatusNotFound, codeUnknownReceipt
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// decode reads a JSON body into v. A missing body decodes the zero
// value so POST routes with optional parameters stay ergonomic.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}
