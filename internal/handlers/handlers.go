// Package handlers implements the JSON HTTP surface. Every response
// uses the uniform envelope {data?, error?} and HTTP status 200; the
// legacy clients only read the envelope.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/chanwatch/backend/internal/accounts"
	"github.com/chanwatch/backend/internal/descriptor"
	"github.com/chanwatch/backend/internal/invites"
	"github.com/chanwatch/backend/internal/logging"
	"github.com/chanwatch/backend/internal/monitoring"
	"github.com/chanwatch/backend/internal/util"
	"github.com/chanwatch/backend/internal/watches"
)

const (
	minTokenLength = 1
	maxTokenLength = 1024
	minValidDays   = 1
	maxValidDays   = 365
	minInvites     = 1
	maxInvites     = 255
	maxReplyIDs    = 8192

	// defaultAccountValidity applies to accounts created directly
	// through the API (invite-created accounts get their own window).
	defaultAccountValidity = 24 * time.Hour
)

// AccountStore is the account surface the handlers need.
type AccountStore interface {
	Get(ctx context.Context, accountID string) (*accounts.Account, error)
	Create(ctx context.Context, accountID string, validUntil *time.Time) (*accounts.Account, error)
	UpdateToken(ctx context.Context, accountID, applicationType, token string) error
	UpdateExpiry(ctx context.Context, accountID string, validUntil time.Time) error
}

// WatchStore creates and removes post watches.
type WatchStore interface {
	StartWatching(ctx context.Context, accountID string, pd descriptor.PostDescriptor) error
	StopWatching(ctx context.Context, accountID string, pd descriptor.PostDescriptor) error
}

// ReplyStore acknowledges delivered replies.
type ReplyStore interface {
	MarkDelivered(ctx context.Context, accountDBID int64, replyIDs []int64) error
}

// InviteStore mints and accepts invites.
type InviteStore interface {
	Generate(ctx context.Context, n int) ([]string, error)
	Accept(ctx context.Context, invite string) (string, error)
}

// LogReader pages through persisted log lines.
type LogReader interface {
	Tail(ctx context.Context, num int, lastID int64) ([]logging.LogLine, error)
}

// TestPusher sends a synthetic push to one token.
type TestPusher interface {
	SendTestPush(ctx context.Context, token string) error
}

// URLResolver turns user-supplied post URLs into descriptors.
type URLResolver interface {
	PostURLToDescriptor(rawURL string) (descriptor.PostDescriptor, bool)
}

// Handlers bundles the HTTP handlers and their collaborators.
type Handlers struct {
	accounts        AccountStore
	watches         WatchStore
	replies         ReplyStore
	invites         InviteStore
	logs            LogReader
	pusher          TestPusher
	resolver        URLResolver
	applicationType string
}

func New(accountStore AccountStore, watchStore WatchStore, replyStore ReplyStore,
	inviteStore InviteStore, logReader LogReader, pusher TestPusher,
	resolver URLResolver, applicationType string) *Handlers {
	return &Handlers{
		accounts:        accountStore,
		watches:         watchStore,
		replies:         replyStore,
		invites:         inviteStore,
		logs:            logReader,
		pusher:          pusher,
		resolver:        resolver,
		applicationType: applicationType,
	}
}

// Register wires every route. Route names feed the throttler.
func (h *Handlers) Register(router *mux.Router) {
	post := func(name string, fn http.HandlerFunc) {
		router.HandleFunc("/"+name, instrumented(name, fn)).Methods(http.MethodPost).Name(name)
	}
	get := func(name string, fn http.HandlerFunc) {
		router.HandleFunc("/"+name, instrumented(name, fn)).Methods(http.MethodGet).Name(name)
	}

	post("create_account", h.CreateAccount)
	post("update_firebase_token", h.UpdateFirebaseToken)
	post("update_account_expiry_date", h.UpdateAccountExpiryDate)
	post("get_account_info", h.GetAccountInfo)
	post("watch_post", h.WatchPost)
	post("unwatch_post", h.UnwatchPost)
	post("update_message_delivered", h.UpdateMessageDelivered)
	post("send_test_push", h.SendTestPush)
	post("generate_invites", h.GenerateInvites)
	get("view_invite", h.ViewInvite)
	get("get_logs", h.GetLogs)
}

func instrumented(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		fn(w, r)
		monitoring.HTTPRequests.WithLabelValues(name).Inc()
		monitoring.HTTPRequestDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	}
}

type userIDRequest struct {
	UserID string `json:"user_id"`
}

// CreateAccount registers the hashed form of the supplied user id
// with a short default validity window.
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if !decode(w, r, &req) {
		return
	}
	accountID, ok := hashedUserID(w, req.UserID)
	if !ok {
		return
	}

	validUntil := time.Now().Add(defaultAccountValidity)
	if _, err := h.accounts.Create(r.Context(), accountID, &validUntil); err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handlers) UpdateFirebaseToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string `json:"user_id"`
		FirebaseToken string `json:"firebase_token"`
	}
	if !decode(w, r, &req) {
		return
	}
	accountID, ok := hashedUserID(w, req.UserID)
	if !ok {
		return
	}
	if len(req.FirebaseToken) < minTokenLength || len(req.FirebaseToken) > maxTokenLength {
		writeError(w, fmt.Sprintf("Bad token length %d must be within %d..%d",
			len(req.FirebaseToken), minTokenLength, maxTokenLength))
		return
	}

	if err := h.accounts.UpdateToken(r.Context(), accountID, h.applicationType, req.FirebaseToken); err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handlers) UpdateAccountExpiryDate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"user_id"`
		ValidForDays int    `json:"valid_for_days"`
	}
	if !decode(w, r, &req) {
		return
	}
	accountID, ok := hashedUserID(w, req.UserID)
	if !ok {
		return
	}
	if req.ValidForDays < minValidDays || req.ValidForDays > maxValidDays {
		writeError(w, fmt.Sprintf("Bad valid_for_days %d must be within %d..%d",
			req.ValidForDays, minValidDays, maxValidDays))
		return
	}

	validUntil := time.Now().AddDate(0, 0, req.ValidForDays)
	if err := h.accounts.UpdateExpiry(r.Context(), accountID, validUntil); err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handlers) GetAccountInfo(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if !decode(w, r, &req) {
		return
	}
	accountID, ok := hashedUserID(w, req.UserID)
	if !ok {
		return
	}

	account, err := h.accounts.Get(r.Context(), accountID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	info := map[string]interface{}{"is_valid": account.IsValid()}
	if account.ValidUntil != nil {
		info["valid_until"] = account.ValidUntil.UTC().Format(time.RFC3339)
	} else {
		info["valid_until"] = nil
	}
	writeData(w, info)
}

// watchRequest ignores the application_type field some clients still
// send: a watch belongs to the account, not to one app flavor.
type watchRequest struct {
	UserID  string `json:"user_id"`
	PostURL string `json:"post_url"`
}

func (h *Handlers) WatchPost(w http.ResponseWriter, r *http.Request) {
	h.watchOrUnwatch(w, r, true)
}

func (h *Handlers) UnwatchPost(w http.ResponseWriter, r *http.Request) {
	h.watchOrUnwatch(w, r, false)
}

func (h *Handlers) watchOrUnwatch(w http.ResponseWriter, r *http.Request, watch bool) {
	var req watchRequest
	if !decode(w, r, &req) {
		return
	}
	accountID, ok := hashedUserID(w, req.UserID)
	if !ok {
		return
	}

	pd, ok := h.resolver.PostURLToDescriptor(req.PostURL)
	if !ok {
		writeError(w, fmt.Sprintf("Site for url '%s' is not supported", req.PostURL))
		return
	}

	var err error
	if watch {
		err = h.watches.StartWatching(r.Context(), accountID, pd)
		if err == watches.ErrPostWatchAlreadyExists {
			// Idempotent from the client's perspective.
			err = nil
		}
	} else {
		err = h.watches.StopWatching(r.Context(), accountID, pd)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handlers) UpdateMessageDelivered(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string  `json:"user_id"`
		ReplyIDs []int64 `json:"reply_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	accountID, ok := hashedUserID(w, req.UserID)
	if !ok {
		return
	}
	if len(req.ReplyIDs) > maxReplyIDs {
		writeError(w, fmt.Sprintf("Too many reply ids %d, at most %d allowed",
			len(req.ReplyIDs), maxReplyIDs))
		return
	}

	account, err := h.accounts.Get(r.Context(), accountID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := h.replies.MarkDelivered(r.Context(), account.ID, req.ReplyIDs); err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w)
}

func (h *Handlers) SendTestPush(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if !decode(w, r, &req) {
		return
	}
	accountID, ok := hashedUserID(w, req.UserID)
	if !ok {
		return
	}

	account, err := h.accounts.Get(r.Context(), accountID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	token, ok := account.Token(h.applicationType)
	if !ok {
		writeError(w, "Account has no firebase token for this application type")
		return
	}

	if err := h.pusher.SendTestPush(r.Context(), token); err != nil {
		logrus.WithError(err).Warn("test push failed")
		writeError(w, "Failed to send test push")
		return
	}
	writeSuccess(w)
}

func (h *Handlers) GenerateInvites(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountToGenerate int `json:"amount_to_generate"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.AmountToGenerate < minInvites || req.AmountToGenerate > maxInvites {
		writeError(w, fmt.Sprintf("Bad amount_to_generate %d must be within %d..%d",
			req.AmountToGenerate, minInvites, maxInvites))
		return
	}

	codes, err := h.invites.Generate(r.Context(), req.AmountToGenerate)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	urls := make([]string, len(codes))
	for i, code := range codes {
		urls[i] = fmt.Sprintf("https://%s/view_invite?invite=%s", r.Host, code)
	}
	writeData(w, map[string]interface{}{"invites": urls})
}

// ViewInvite accepts the invite and shows the freshly minted user id.
// This is the only time the raw user id is ever visible.
func (h *Handlers) ViewInvite(w http.ResponseWriter, r *http.Request) {
	invite := r.URL.Query().Get("invite")
	if len(invite) != invites.InviteLength {
		writeHTMLError(w, "Invite is malformed")
		return
	}

	userID, err := h.invites.Accept(r.Context(), invite)
	if err == invites.ErrInviteNotAvailable {
		writeHTMLError(w, "Invite does not exist, has expired or was already accepted")
		return
	}
	if err != nil {
		logrus.WithError(err).Error("invite acceptance failed")
		writeHTMLError(w, "Something went wrong, try again later")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><body>
<h3>Welcome!</h3>
<p>Your user id (store it, it cannot be recovered):</p>
<p><code>%s</code></p>
<p>Readable form: <code>%s</code></p>
</body></html>`, userID, util.InsertAfterEveryNth(userID, "-", 16))
}

func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	num := 100
	if raw := r.URL.Query().Get("num"); raw != "" {
		fmt.Sscanf(raw, "%d", &num)
	}
	if num < 1 || num > 1000 {
		num = 100
	}
	var lastID int64
	if raw := r.URL.Query().Get("last_id"); raw != "" {
		fmt.Sscanf(raw, "%d", &lastID)
	}

	lines, err := h.logs.Tail(r.Context(), num, lastID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, map[string]interface{}{"log_lines": lines})
}

// hashedUserID validates the raw user id and returns its hash.
func hashedUserID(w http.ResponseWriter, userID string) (string, bool) {
	if len(userID) != invites.UserIDLength {
		writeError(w, fmt.Sprintf("Bad user_id length %d must be %d",
			len(userID), invites.UserIDLength))
		return "", false
	}
	return accounts.HashUserID(userID), true
}

func decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, "Failed to parse request body")
		return false
	}
	return true
}

func writeHTMLError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><p>%s</p></body></html>", message)
}
