// Package httpapi implements the actor-to-actor HTTP surface: discovery,
// trust lifecycle, subscription management, and callback delivery,
// registered as a gin.RouterGroup.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/actorcore"
	"github.com/actingweb/actingweb-core/internal/mirror"
	"github.com/actingweb/actingweb-core/internal/permissions"
	"github.com/actingweb/actingweb-core/internal/properties"
	"github.com/actingweb/actingweb-core/internal/storage"
	"github.com/actingweb/actingweb-core/internal/subscriptions"
	"github.com/actingweb/actingweb-core/internal/syncreconciler"
	"github.com/actingweb/actingweb-core/internal/trust"
	"github.com/actingweb/actingweb-core/pkg/wire"
)

const trustCtxKey = "actingweb.trust"

// Handler wires the core engines into gin routes. ActorType is advertised on
// GET /meta and is otherwise opaque to this package.
type Handler struct {
	core       *actorcore.Core
	trust      *trust.Engine
	subs       *subscriptions.Engine
	props      *properties.Emitter
	mirror     *mirror.Writer
	reconciler *syncreconciler.Reconciler
	actorType  string
	logger     *zap.Logger
}

// New constructs a Handler.
func New(core *actorcore.Core, trustEngine *trust.Engine, subsEngine *subscriptions.Engine, props *properties.Emitter, mirrorWriter *mirror.Writer, reconciler *syncreconciler.Reconciler, actorType string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{core: core, trust: trustEngine, subs: subsEngine, props: props, mirror: mirrorWriter, reconciler: reconciler, actorType: actorType, logger: logger}
}

// Register mounts every protocol route under rg, which the caller typically binds
// at "/:actor_id".
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/meta", h.getMeta)

	rg.POST("/trust/:relationship", h.postTrust)
	trustPeer := rg.Group("/trust/:relationship/:peer_id")
	trustPeer.Use(h.bearerAuth())
	trustPeer.GET("", h.getTrustVerification)
	trustPeer.PUT("", h.putTrustApproval)
	trustPeer.DELETE("", h.deleteTrust)

	subsPeer := rg.Group("/subscriptions/:peer_id")
	subsPeer.Use(h.bearerAuth())
	subsPeer.POST("", h.postSubscription)
	subsPeer.GET("/:sub_id", h.getSubscriptionDiffs)
	subsPeer.PUT("/:sub_id", h.putSubscriptionConfirm)
	subsPeer.DELETE("/:sub_id", h.deleteSubscription)

	cb := rg.Group("/callbacks/subscriptions/:peer_id")
	cb.Use(h.bearerAuth())
	cb.POST("/:sub_id", h.postCallback)

	props := rg.Group("/properties")
	props.Use(h.bearerAuth())
	props.GET("", h.getProperties)
	props.GET("/:name", h.getProperty)
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, wire.ErrorBody{Error: wire.ErrorDetail{Code: status, Message: message}})
}

// errStatus maps an *actorcore.Error to the HTTP status it implies.
func errStatus(err error) int {
	ae, ok := err.(*actorcore.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	if ae.Code != 0 {
		return ae.Code
	}
	switch ae.Kind {
	case actorcore.KindActorNotFound, actorcore.KindTrustRelationship:
		return http.StatusNotFound
	case actorcore.KindPermissionDenied:
		return http.StatusForbidden
	case actorcore.KindPeerCommunication:
		return http.StatusBadGateway
	case actorcore.KindSubscriptionSequencing:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// bearerAuth enforces "Authorization: Bearer <trust.Secret>" against the
// trust relationship the request identifies, stashing it in the context for
// handlers that need it. Routes that carry a :peer_id path segment resolve
// the trust row directly; the properties surface carries none, so the
// caller is identified by scanning the actor's trusts for a secret match
// instead.
func (h *Handler) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.Param("actor_id")
		peerID := c.Param("peer_id")

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(c, http.StatusUnauthorized, "missing bearer token")
			c.Abort()
			return
		}
		secret := strings.TrimPrefix(authHeader, "Bearer ")
		ctx := c.Request.Context()

		var tr *storage.Trust
		if peerID != "" {
			found, err := h.core.Storage.GetTrust(ctx, actorID, peerID)
			if err == storage.ErrNotFound {
				writeError(c, http.StatusNotFound, "trust relationship not found")
				c.Abort()
				return
			}
			if err != nil {
				writeError(c, http.StatusInternalServerError, "load trust failed")
				c.Abort()
				return
			}
			if subtle.ConstantTimeCompare([]byte(secret), []byte(found.Secret)) != 1 {
				writeError(c, http.StatusUnauthorized, "invalid bearer token")
				c.Abort()
				return
			}
			tr = found
		} else {
			trusts, err := h.core.Storage.ListTrusts(ctx, actorID)
			if err != nil {
				writeError(c, http.StatusInternalServerError, "list trusts failed")
				c.Abort()
				return
			}
			for _, candidate := range trusts {
				if subtle.ConstantTimeCompare([]byte(secret), []byte(candidate.Secret)) == 1 {
					tr = candidate
					break
				}
			}
			if tr == nil {
				writeError(c, http.StatusUnauthorized, "invalid bearer token")
				c.Abort()
				return
			}
		}

		c.Set(trustCtxKey, tr)
		c.Next()
	}
}

func trustFromCtx(c *gin.Context) *storage.Trust {
	v, ok := c.Get(trustCtxKey)
	if !ok {
		return nil
	}
	tr, _ := v.(*storage.Trust)
	return tr
}

// metaCapabilities is advertised on GET /meta so peers can discover which
// protocol features this engine supports.
var metaCapabilities = []string{"resync"}

// getMeta serves GET /meta, unauthenticated.
func (h *Handler) getMeta(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	actor, err := h.core.Storage.GetActor(ctx, actorID)
	if err == storage.ErrNotFound {
		writeError(c, http.StatusNotFound, "actor not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "load actor failed")
		return
	}
	c.JSON(http.StatusOK, wire.MetaResponse{
		ID:           actor.ActorID,
		Type:         h.actorType,
		BaseURI:      actor.BaseURI,
		Capabilities: metaCapabilities,
	})
}

// autoApproveRelationship reports whether a trust request for relationship
// should be auto-approved on arrival rather than held for manual
// modify_and_notify approval. "associate" is the lowest, read-only-public
// tier (permissions.BaseTierPolicy), the only one judged safe to grant
// without a human in the loop; every other tier requires explicit approval.
func autoApproveRelationship(relationship string) bool {
	return relationship == "associate"
}

// postTrust serves POST /trust/<relationship>, unauthenticated (the
// request body itself carries the shared secret the peer chose).
func (h *Handler) postTrust(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	relationship := c.Param("relationship")

	var req wire.TrustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "malformed trust request")
		return
	}
	if _, err := h.core.Storage.GetActor(ctx, actorID); err == storage.ErrNotFound {
		writeError(c, http.StatusNotFound, "actor not found")
		return
	}

	approved := autoApproveRelationship(relationship)
	tr, err := h.trust.CreateVerifiedTrust(ctx, actorID, req.ID, req.BaseURI, req.Secret, relationship, req.Type, req.Verify, approved, true, req.Desc)
	if err != nil {
		writeError(c, errStatus(err), err.Error())
		return
	}

	if tr.Approved {
		c.JSON(http.StatusCreated, gin.H{})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{})
}

// getTrustVerification serves GET /trust/<relationship>/<peer_id>. The
// verification token is single-use: once read back here it is cleared.
func (h *Handler) getTrustVerification(c *gin.Context) {
	ctx := c.Request.Context()
	tr := trustFromCtx(c)

	resp := wire.TrustVerificationResponse{
		VerificationToken: tr.VerificationToken,
		Approved:          tr.Approved,
		Verified:          tr.Verified,
		PeerApproved:      tr.PeerApproved,
	}
	if tr.VerificationToken != "" {
		tr.VerificationToken = ""
		if err := h.core.Storage.UpdateTrust(ctx, tr); err != nil {
			h.logger.Warn("httpapi: clear verification token failed", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, resp)
}

// putTrustApproval serves PUT /trust/<relationship>/<peer_id>: the peer is
// telling us it approved (or revoked) our side of the relationship. This is
// the receiving end of trust.Engine.ModifyAndNotify's outbound call, so it
// mutates the row directly rather than routing back through ModifyAndNotify
// (which would re-notify the peer that just notified us).
func (h *Handler) putTrustApproval(c *gin.Context) {
	ctx := c.Request.Context()
	tr := trustFromCtx(c)

	var req wire.TrustApprovalNotice
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "malformed approval notice")
		return
	}
	tr.PeerApproved = req.Approved
	if err := h.core.Storage.UpdateTrust(ctx, tr); err != nil {
		writeError(c, http.StatusInternalServerError, "persist approval notice failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteTrust serves DELETE /trust/<relationship>/<peer_id>: peer-initiated
// deletion. deletePeer is false since the peer has already torn down its
// own side; calling back to it would just 404.
func (h *Handler) deleteTrust(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")

	if _, err := h.trust.DeleteReciprocalTrust(ctx, actorID, "", peerID, false); err != nil {
		writeError(c, errStatus(err), err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// postSubscription serves POST /subscriptions/<peer_id>: the peer is
// subscribing to us, so IsCallback is false (we are the publisher for this
// row).
func (h *Handler) postSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")

	var req wire.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "malformed subscribe request")
		return
	}
	granularity := storage.Granularity(req.Granularity)
	if granularity == "" {
		granularity = storage.GranularityHigh
	}

	sub := &storage.Subscription{
		ActorID:        actorID,
		PeerID:         peerID,
		SubscriptionID: uuid.NewString(),
		IsCallback:     false,
		Target:         req.Target,
		Subtarget:      req.Subtarget,
		Resource:       req.Resource,
		Granularity:    granularity,
	}
	if err := h.core.Storage.CreateSubscription(ctx, sub); err != nil {
		writeError(c, http.StatusInternalServerError, "persist subscription failed")
		return
	}
	c.JSON(http.StatusCreated, wire.SubscribeResponse{SubscriptionID: sub.SubscriptionID})
}

// getSubscriptionDiffs serves GET /subscriptions/<peer_id>/<sub_id>: the
// peer pulling whatever diffs we have not yet seen it confirm.
func (h *Handler) getSubscriptionDiffs(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")
	subID := c.Param("sub_id")

	sub, err := h.core.Storage.GetSubscription(ctx, actorID, peerID, subID)
	if err == storage.ErrNotFound || (err == nil && sub.IsCallback) {
		writeError(c, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "load subscription failed")
		return
	}

	diffs, err := h.core.Storage.ListDiffs(ctx, actorID, subID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "list diffs failed")
		return
	}
	out := make([]wire.PendingDiff, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, wire.PendingDiff{
			Sequence:  d.Sequence,
			Timestamp: d.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Data:      d.Blob,
		})
	}
	c.JSON(http.StatusOK, wire.PullResponse{Sequence: sub.Sequence, Data: out})
}

// putSubscriptionConfirm serves PUT /subscriptions/<peer_id>/<sub_id>: the
// peer confirms it has processed every diff up to and including Sequence.
func (h *Handler) putSubscriptionConfirm(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	subID := c.Param("sub_id")

	var req wire.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "malformed confirm request")
		return
	}
	if err := h.core.Storage.ClearDiffs(ctx, actorID, subID, req.Sequence); err != nil {
		writeError(c, http.StatusInternalServerError, "clear diffs failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteSubscription serves DELETE /subscriptions/<peer_id>/<sub_id>: the
// peer cancels its subscription to us. Idempotent.
func (h *Handler) deleteSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")
	subID := c.Param("sub_id")

	if err := h.core.Storage.DeleteSubscription(ctx, actorID, peerID, subID); err != nil && err != storage.ErrNotFound {
		writeError(c, http.StatusInternalServerError, "delete subscription failed")
		return
	}
	_ = h.core.Storage.ClearDiffs(ctx, actorID, subID, 0)
	c.Status(http.StatusNoContent)
}

// postCallback serves POST /callbacks/subscriptions/<peer_id>/<sub_id>: the
// peer (publisher) delivering a callback against a subscription we created
// (IsCallback=true). Resync envelopes go through the callback processor (to
// clear pending state and reset the cursor) before the full value is
// refetched; low-granularity diffs carry no inline data, only a URL, and
// fall back to a pull through the sync reconciler.
func (h *Handler) postCallback(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")
	subID := c.Param("sub_id")

	sub, err := h.core.Storage.GetSubscription(ctx, actorID, peerID, subID)
	if err == storage.ErrNotFound || (err == nil && !sub.IsCallback) {
		writeError(c, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "load subscription failed")
		return
	}

	var envelope wire.CallbackEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		writeError(c, http.StatusBadRequest, "malformed callback envelope")
		return
	}

	if envelope.EffectiveType() == wire.CallbackTypeResync {
		// The processor clears pending state and resets the sequence cursor;
		// only then is the full current value refetched.
		if _, err := h.subs.ProcessCallback(ctx, actorID, peerID, subID, envelope, nil); err != nil {
			writeError(c, http.StatusInternalServerError, "process resync failed")
			return
		}
		if h.reconciler != nil {
			h.reconciler.SyncSubscription(ctx, actorID, peerID, subID)
		}
		c.Status(http.StatusNoContent)
		return
	}

	if envelope.Granularity == string(storage.GranularityLow) {
		if h.reconciler != nil {
			h.reconciler.SyncSubscription(ctx, actorID, peerID, subID)
		}
		c.Status(http.StatusNoContent)
		return
	}

	handler := func(ctx context.Context, cb subscriptions.ProcessedCallback) error {
		switch cb.Type {
		case wire.CallbackTypePermission:
			return h.trust.InvalidatePeerPermissionsCache(ctx, actorID, peerID)
		default:
			return h.mirror.ApplyDiff(ctx, actorID, peerID, sub.Subtarget, cb.Data)
		}
	}

	result, err := h.subs.ProcessCallback(ctx, actorID, peerID, subID, envelope, handler)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "process callback failed")
		return
	}
	if result == subscriptions.RejectedResult {
		c.Status(http.StatusTooManyRequests)
		return
	}
	c.Status(http.StatusNoContent)
}

// getProperties and getProperty serve a read-only properties surface needed
// by the sync reconciler's baseline fetch. They are not part
// of the protocol's named route table, which only specifies the trust and
// subscription surfaces; this is supplemented so that two instances of this
// engine can actually complete a baseline fetch against each other. Every
// key is filtered through the requesting peer's resolved policy exactly as
// the subscription callback path does.
func (h *Handler) getProperties(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	tr := trustFromCtx(c)

	policy, err := h.trust.ResolvePolicy(ctx, actorID, tr.PeerID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "resolve policy failed")
		return
	}

	props, err := h.core.Storage.ListProperties(ctx, actorID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "list properties failed")
		return
	}
	out := make(map[string]json.RawMessage, len(props))
	for _, p := range props {
		if permissions.EvaluatePropertyAccess(policy, p.Name, permissions.OpRead) != permissions.Allowed {
			continue
		}
		out[p.Name] = p.Value
	}

	names, err := h.core.Storage.ListListNames(ctx, actorID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "list list names failed")
		return
	}
	for _, name := range names {
		if permissions.EvaluatePropertyAccess(policy, name, permissions.OpRead) != permissions.Allowed {
			continue
		}
		items, err := h.core.Storage.ListItems(ctx, actorID, name)
		if err != nil {
			continue
		}
		out[name] = mustMarshal(listMarkerFor(len(items)))
	}
	c.JSON(http.StatusOK, out)
}

// getProperty serves a single scalar or list-valued property by name,
// honoring the "list:" prefix convention subscription subtargets use.
func (h *Handler) getProperty(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.Param("actor_id")
	tr := trustFromCtx(c)
	name := c.Param("name")
	isList := strings.HasPrefix(name, storage.ListPrefix)
	bareName := strings.TrimPrefix(name, storage.ListPrefix)

	policy, err := h.trust.ResolvePolicy(ctx, actorID, tr.PeerID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "resolve policy failed")
		return
	}
	if permissions.EvaluatePropertyAccess(policy, bareName, permissions.OpRead) != permissions.Allowed {
		writeError(c, http.StatusForbidden, "property not permitted")
		return
	}

	if isList {
		items, err := h.core.Storage.ListItems(ctx, actorID, bareName)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "list items failed")
			return
		}
		out := make([]json.RawMessage, len(items))
		for i, it := range items {
			out[i] = it.Value
		}
		c.JSON(http.StatusOK, out)
		return
	}

	p, err := h.core.Storage.GetProperty(ctx, actorID, bareName)
	if err == storage.ErrNotFound {
		writeError(c, http.StatusNotFound, "property not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "get property failed")
		return
	}
	c.Data(http.StatusOK, "application/json", p.Value)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

type listCountMarker struct {
	IsList bool `json:"_list"`
	Count  int  `json:"count"`
}

func listMarkerFor(count int) listCountMarker {
	return listCountMarker{IsList: true, Count: count}
}
