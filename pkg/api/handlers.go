package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hutchcloud/hutch/pkg/controller"
	"github.com/hutchcloud/hutch/pkg/fleet"
	"github.com/hutchcloud/hutch/pkg/imaging"
	"github.com/hutchcloud/hutch/pkg/namespace"
	"github.com/hutchcloud/hutch/pkg/sshexec"
	"github.com/hutchcloud/hutch/pkg/storage"
	"github.com/hutchcloud/hutch/pkg/types"
)

// Wire views. Internal types stay off the wire so they can evolve
// independently of clients.

type BoxView struct {
	ID         string       `json:"id"`
	Namespace  string       `json:"namespace"`
	Role       string       `json:"role"`
	Ordinal    int          `json:"ordinal"`
	State      string       `json:"state"`
	Address    string       `json:"address,omitempty"`
	AdminUser  string       `json:"adminUser,omitempty"`
	ImageID    string       `json:"imageId,omitempty"`
	ProviderID string       `json:"providerId,omitempty"`
	Volumes    []VolumeView `json:"volumes,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

type VolumeView struct {
	ProviderID      string `json:"providerId"`
	Device          string `json:"device,omitempty"`
	KeepOnTerminate bool   `json:"keepOnTerminate,omitempty"`
}

type KeyView struct {
	Fingerprint string    `json:"fingerprint"`
	PublicKey   string    `json:"publicKey"`
	Owner       string    `json:"owner,omitempty"`
	Groups      []string  `json:"groups"`
	CreatedAt   time.Time `json:"createdAt"`
}

type SnapshotView struct {
	Keys      []KeyView `json:"keys"`
	Watermark uint64    `json:"watermark"`
}

type SubscriptionView struct {
	Queue     string    `json:"queue"`
	Box       string    `json:"box"`
	Namespace string    `json:"namespace"`
	Groups    []string  `json:"groups"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageView struct {
	Body          json.RawMessage `json:"body"`
	ReceiptHandle string          `json:"receiptHandle"`
	Redelivered   int             `json:"redelivered,omitempty"`
}

type ReceiveView struct {
	Messages []MessageView `json:"messages"`
}

type IdentityRef struct {
	Namespace string `json:"namespace"`
	Role      string `json:"role"`
	Ordinal   int    `json:"ordinal"`
}

type ImageView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Source    IdentityRef `json:"source"`
	State     string      `json:"state"`
	CreatedAt time.Time   `json:"createdAt"`
}

type GrowFailure struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type GrowView struct {
	Created []BoxView     `json:"created"`
	Failed  []GrowFailure `json:"failed,omitempty"`
}

type EventView struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Instance  string            `json:"instance,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Group     string            `json:"group,omitempty"`
	Sequence  uint64            `json:"sequence,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type AcceptedView struct {
	Status string `json:"status"`
}

func boxView(inst *types.Instance) BoxView {
	v := BoxView{
		ID:         boxID(inst.Identity),
		Namespace:  inst.Identity.Namespace,
		Role:       inst.Identity.Role,
		Ordinal:    inst.Identity.Ordinal,
		State:      string(inst.State),
		Address:    inst.Address,
		AdminUser:  inst.AdminUser,
		ImageID:    inst.ImageID,
		ProviderID: inst.ProviderID,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}
	for _, vol := range inst.Volumes {
		v.Volumes = append(v.Volumes, VolumeView{
			ProviderID:      vol.ProviderID,
			Device:          vol.Device,
			KeepOnTerminate: vol.KeepOnTerminate,
		})
	}
	return v
}

func keyView(rec *types.KeyRecord) KeyView {
	return KeyView{
		Fingerprint: rec.Fingerprint,
		PublicKey:   string(rec.PublicKey),
		Owner:       rec.Owner,
		Groups:      rec.Groups,
		CreatedAt:   rec.CreatedAt,
	}
}

func keyViews(recs []*types.KeyRecord) []KeyView {
	out := make([]KeyView, len(recs))
	for i, rec := range recs {
		out[i] = keyView(rec)
	}
	return out
}

func subscriptionView(sub *types.Subscription) SubscriptionView {
	return SubscriptionView{
		Queue:     sub.Queue,
		Box:       boxID(sub.Identity),
		Namespace: sub.Namespace,
		Groups:    sub.Groups,
		CreatedAt: sub.CreatedAt,
	}
}

func imageView(img *types.Image) ImageView {
	return ImageView{
		ID:   img.ID,
		Name: img.Name,
		Source: IdentityRef{
			Namespace: img.Source.Namespace,
			Role:      img.Source.Role,
			Ordinal:   img.Source.Ordinal,
		},
		State:     string(img.State),
		CreatedAt: img.CreatedAt,
	}
}

// Key distribution.

type RegisterKeyRequest struct {
	Namespace string   `json:"namespace"`
	Groups    []string `json:"groups,omitempty"`
	PublicKey string   `json:"publicKey"`
	Owner     string   `json:"owner,omitempty"`
}

func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req RegisterKeyRequest
	if err := decode(r, &req); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if err := namespace.Validate(req.Namespace); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if _, err := sshexec.Fingerprint([]byte(req.PublicKey)); err != nil {
		s.writeInvalid(w, "publicKey: %v", err)
		return
	}

	rec, err := s.pub.Register(r.Context(), req.Namespace, req.Groups, []byte(req.PublicKey), req.Owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyView(rec))
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ns := q.Get("namespace")
	if err := namespace.Validate(ns); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	recs, err := s.pub.ListKeys(ns, q.Get("group"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]KeyView{"keys": keyViews(recs)})
}

func (s *Server) handleDeregisterKey(w http.ResponseWriter, r *http.Request) {
	fingerprint, err := url.PathUnescape(chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.writeInvalid(w, "fingerprint: %v", err)
		return
	}
	q := r.URL.Query()
	ns := q.Get("namespace")
	if err := namespace.Validate(ns); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if err := s.pub.Deregister(r.Context(), ns, q["group"], fingerprint); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ns := q.Get("namespace")
	if err := namespace.Validate(ns); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	group := q.Get("group")
	if group == "" {
		group = types.DefaultGroup
	}
	recs, watermark, err := s.pub.Snapshot(ns, group)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotView{Keys: keyViews(recs), Watermark: watermark})
}

// Subscriptions and queues.

type SubscribeRequest struct {
	Namespace string   `json:"namespace"`
	Role      string   `json:"role"`
	Ordinal   int      `json:"ordinal"`
	Groups    []string `json:"groups,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := decode(r, &req); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if err := namespace.Validate(req.Namespace); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if err := namespace.ValidateRole(req.Role); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if req.Ordinal < 0 {
		s.writeInvalid(w, "ordinal %d: must not be negative", req.Ordinal)
		return
	}

	id := types.Identity{Namespace: req.Namespace, Role: req.Role, Ordinal: req.Ordinal}
	sub, err := s.pub.Subscribe(r.Context(), id, req.Groups)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscriptionView(sub))
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	sub, err := s.store.GetSubscription(queueName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeError(w, err)
		return
	}
	if err := s.pub.Unsubscribe(r.Context(), sub.Identity); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ReceiveRequest struct {
	Max         int `json:"max,omitempty"`
	WaitSeconds int `json:"waitSeconds,omitempty"`
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	var req ReceiveRequest
	if err := decode(r, &req); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	max := req.Max
	if max <= 0 || max > s.cfg.ReceiveMaxBatch {
		max = s.cfg.ReceiveMaxBatch
	}
	wait := time.Duration(req.WaitSeconds) * time.Second
	if wait < 0 || wait > s.cfg.ReceiveMaxWait {
		wait = s.cfg.ReceiveMaxWait
	}

	deliveries, err := s.pub.Receive(r.Context(), queueName, max, wait)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view := ReceiveView{Messages: make([]MessageView, len(deliveries))}
	for i, d := range deliveries {
		view.Messages[i] = MessageView{
			Body:          json.RawMessage(d.Body),
			ReceiptHandle: d.ReceiptHandle,
			Redelivered:   d.Redelivered,
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type AckRequest struct {
	ReceiptHandle string `json:"receiptHandle"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	var req AckRequest
	if err := decode(r, &req); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if req.ReceiptHandle == "" {
		s.writeInvalid(w, "receiptHandle required")
		return
	}
	if err := s.pub.Ack(queueName, req.ReceiptHandle); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Box lifecycle.

type CreateBoxRequest struct {
	Namespace      string `json:"namespace"`
	Role           string `json:"role"`
	Count          int    `json:"count,omitempty"`
	Parallel       int    `json:"parallel,omitempty"`
	Ordinal        *int   `json:"ordinal,omitempty"`
	ImageID        string `json:"imageId,omitempty"`
	InstanceType   string `json:"instanceType,omitempty"`
	KeepVolumes    bool   `json:"keepVolumes,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`

	// Async detaches provisioning from the request; the box shows up in
	// listings as it progresses.
	Async bool `json:"async,omitempty"`
}

func (s *Server) handleListBoxes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ns := q.Get("namespace")
	if err := namespace.Validate(ns); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	instances, err := s.ctrl.List(r.Context(), ns, q.Get("role"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]BoxView, len(instances))
	for i, inst := range instances {
		views[i] = boxView(inst)
	}
	writeJSON(w, http.StatusOK, map[string][]BoxView{"boxes": views})
}

func (s *Server) handleCreateBoxes(w http.ResponseWriter, r *http.Request) {
	var req CreateBoxRequest
	if err := decode(r, &req); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if err := namespace.Validate(req.Namespace); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if err := namespace.ValidateRole(req.Role); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 0 {
		s.writeInvalid(w, "count %d: must be positive", count)
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	if count == 1 {
		opts := controller.CreateOptions{
			Ordinal:      req.Ordinal,
			ImageID:      req.ImageID,
			InstanceType: req.InstanceType,
			Timeout:      timeout,
			KeepVolumes:  req.KeepVolumes,
		}
		if req.Async {
			s.spawn("create", func(ctx context.Context) error {
				_, err := s.ctrl.Create(ctx, req.Namespace, req.Role, opts)
				return err
			})
			writeJSON(w, http.StatusAccepted, AcceptedView{Status: "accepted"})
			return
		}
		inst, err := s.ctrl.Create(r.Context(), req.Namespace, req.Role, opts)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, boxView(inst))
		return
	}

	if req.Ordinal != nil {
		s.writeInvalid(w, "ordinal cannot be pinned when count > 1")
		return
	}
	opts := fleet.GrowOptions{
		Count:        count,
		Parallel:     req.Parallel,
		ImageID:      req.ImageID,
		InstanceType: req.InstanceType,
		Timeout:      timeout,
		KeepVolumes:  req.KeepVolumes,
	}
	if req.Async {
		s.spawn("grow", func(ctx context.Context) error {
			_, err := s.fleet.Grow(ctx, req.Namespace, req.Role, opts)
			return err
		})
		writeJSON(w, http.StatusAccepted, AcceptedView{Status: "accepted"})
		return
	}

	result, err := s.fleet.Grow(r.Context(), req.Namespace, req.Role, opts)
	if result == nil {
		s.writeError(w, err)
		return
	}
	view := GrowView{Created: []BoxView{}}
	for _, inst := range result.Ready() {
		view.Created = append(view.Created, boxView(inst))
	}
	for _, slot := range result.Failed() {
		_, code := classify(slot.Err)
		view.Failed = append(view.Failed, GrowFailure{Error: slot.Err.Error(), Code: code})
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetBox(w http.ResponseWriter, r *http.Request) {
	id, err := parseBoxID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	inst, err := s.ctrl.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, boxView(inst))
}

func (s *Server) handleStopBox(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, s.ctrl.Stop)
}

func (s *Server) handleStartBox(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, s.ctrl.Start)
}

func (s *Server) handleTerminateBox(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, s.ctrl.Terminate)
}

// lifecycleOp runs a state-changing operation and responds with the
// refreshed record.
func (s *Server) lifecycleOp(w http.ResponseWriter, r *http.Request, op func(context.Context, types.Identity) error) {
	id, err := parseBoxID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := s.ctrl.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, boxView(inst))
}

// Images.

type ImageBoxRequest struct {
	TerminateAfter bool `json:"terminateAfter,omitempty"`
	TimeoutSeconds int  `json:"timeoutSeconds,omitempty"`
}

func (s *Server) handleImageBox(w http.ResponseWriter, r *http.Request) {
	id, err := parseBoxID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	var req ImageBoxRequest
	if err := decode(r, &req); err != nil {
		s.writeInvalid(w, "%v", err)
		return
	}
	img, err := s.images.Capture(r.Context(), id, imaging.Options{
		TerminateAfter: req.TerminateAfter,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, imageView(img))
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	imgs, err := s.images.List(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]ImageView, len(imgs))
	for i, img := range imgs {
		views[i] = imageView(img)
	}
	writeJSON(w, http.StatusOK, map[string][]ImageView{"images": views})
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.images.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
