package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"learnova.app/backend/internal/auth"
	"learnova.app/backend/internal/payment"
	"learnova.app/backend/internal/quota"
	"learnova.app/backend/internal/render"
	"learnova.app/backend/internal/store"
)

const (
	ExportFileName     = "Learnova-Answer.pdf"
	exportTitle        = "Learnova Answer"
	premiumName        = "Learnova AI Premium"
	premiumDescription = "Lifetime Premium Access"
	premiumCurrency    = "INR"
	minPasswordLength  = 6

	// Mirrors unused for this long are dropped; the next request re-attaches.
	sessionIdleTimeout = 24 * time.Hour
	sweepInterval      = 10 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrMissingIdentity    = errors.New("email is required")
	ErrAlreadyPremium     = errors.New("already a premium user")

	errSessionExpired   = &quota.DenyError{Kind: quota.ErrAuthRequired, Message: "session expired, please sign in again", Prompt: quota.PromptSignIn}
	errVisitorRequired  = &quota.DenyError{Kind: quota.ErrAuthRequired, Message: "visitor id is required for signed-out use", Prompt: quota.PromptSignIn}
	errSignInToUpgrade  = &quota.DenyError{Kind: quota.ErrAuthRequired, Message: "must sign in to upgrade", Prompt: quota.PromptSignIn}
	errSignInForHistory = &quota.DenyError{Kind: quota.ErrAuthRequired, Message: "must sign in to see history", Prompt: quota.PromptSignIn}
)

// PaymentGateway creates checkout orders and verifies their signatures.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, req payment.OrderRequest) (*payment.Order, error)
	VerifySignature(orderID, paymentID, signature string) bool
	KeyID() string
}

type Options struct {
	Store      *store.SQLiteStore
	Anonymous  store.AnonymousStore
	Provider   AnswerProvider
	Markdown   *render.Markdown
	Rasterizer render.Rasterizer
	Payments   PaymentGateway
	Signer     *auth.Signer
	PriceINR   int
	Logger     zerolog.Logger
}

// Orchestrator reacts to session acquired/lost, answer, export and upgrade
// requests. It is safe for concurrent use.
type Orchestrator struct {
	store      *store.SQLiteStore
	anon       store.AnonymousStore
	provider   AnswerProvider
	markdown   *render.Markdown
	rasterizer render.Rasterizer
	payments   PaymentGateway
	signer     *auth.Signer
	limits     quota.Limits
	priceINR   int
	log        zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	lastSweep time.Time
	now       func() time.Time
}

func NewOrchestrator(opts Options) *Orchestrator {
	anon := opts.Anonymous
	if anon == nil {
		anon = opts.Store.Anonymous()
	}
	md := opts.Markdown
	if md == nil {
		md = render.NewMarkdown()
	}
	rasterizer := opts.Rasterizer
	if rasterizer == nil {
		rasterizer = render.NewPDFRasterizer(md)
	}
	return &Orchestrator{
		store:      opts.Store,
		anon:       anon,
		provider:   opts.Provider,
		markdown:   md,
		rasterizer: rasterizer,
		payments:   opts.Payments,
		signer:     opts.Signer,
		limits:     opts.Store.Limits(),
		priceINR:   opts.PriceINR,
		log:        opts.Logger,
		sessions:   make(map[string]*Session),
		now:        time.Now,
	}
}

// Status is the UI-relevant entitlement summary.
type Status struct {
	SignedIn               bool   `json:"signed_in"`
	User                   string `json:"user,omitempty"`
	IsPremiumUser          bool   `json:"is_premium_user"`
	FreeUsesRemaining      int    `json:"free_uses_remaining"`
	FreeUsesLimit          int    `json:"free_uses_limit"`
	PDFExportsRemaining    int    `json:"pdf_exports_remaining"`
	PDFExportLimit         int    `json:"pdf_export_limit"`
	AnonymousUsesRemaining int    `json:"anonymous_uses_remaining"`
	AnonymousUsesLimit     int    `json:"anonymous_uses_limit"`
}

type Snapshot struct {
	Status
	History []store.Conversation `json:"history"`
}

type AuthResult struct {
	Token   string
	Session *Session
}

func (o *Orchestrator) statusFor(user store.User, st quota.State) Status {
	st, _ = quota.Rollover(st, o.store.Today(), o.limits)
	return Status{
		SignedIn:            true,
		User:                user.ExternalUserID,
		IsPremiumUser:       st.IsPremiumUser,
		FreeUsesRemaining:   st.FreeUsesRemaining,
		FreeUsesLimit:       o.limits.FreeUses,
		PDFExportsRemaining: quota.ExportsRemaining(st, o.limits),
		PDFExportLimit:      o.limits.PDFExports,
	}
}

func (o *Orchestrator) anonymousStatus(remaining int) Status {
	return Status{
		FreeUsesLimit:          o.limits.FreeUses,
		PDFExportLimit:         o.limits.PDFExports,
		AnonymousUsesRemaining: remaining,
		AnonymousUsesLimit:     o.limits.AnonymousUses,
	}
}

func normalizeIdentity(externalID string) string {
	return strings.ToLower(strings.TrimSpace(externalID))
}

func (o *Orchestrator) SignUp(ctx context.Context, externalID, password, visitorID string) (*AuthResult, error) {
	externalID = normalizeIdentity(externalID)
	if externalID == "" {
		return nil, ErrMissingIdentity
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user, err := o.store.CreateUser(ctx, externalID, hash)
	if err != nil {
		return nil, err
	}
	o.log.Info().Str("user", externalID).Msg("user signed up")
	return o.establish(ctx, user, visitorID)
}

func (o *Orchestrator) SignIn(ctx context.Context, externalID, password, visitorID string) (*AuthResult, error) {
	user, err := o.store.GetUserByExternalID(ctx, normalizeIdentity(externalID))
	if err != nil {
		return nil, err
	}
	if user == nil || !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return o.establish(ctx, user, visitorID)
}

// establish handles "session acquired": a new session row, settings loaded
// or initialized, live subscriptions attached. The visitor's anonymous
// counter is discarded, never merged into the account.
func (o *Orchestrator) establish(ctx context.Context, user *store.User, visitorID string) (*AuthResult, error) {
	row, err := o.store.CreateSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	sess, err := o.acquire(ctx, *user, row.ID)
	if err != nil {
		return nil, err
	}
	if visitorID != "" {
		if err := o.anon.Clear(ctx, visitorID); err != nil {
			o.log.Error().Err(err).Str("visitor_id", visitorID).Msg("failed to clear anonymous quota")
		}
	}
	token, err := o.signer.GenerateJWT(user.ExternalUserID, row.ID)
	if err != nil {
		o.drop(sess)
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}
	return &AuthResult{Token: token, Session: sess}, nil
}

func (o *Orchestrator) acquire(ctx context.Context, user store.User, sessionID string) (*Session, error) {
	if _, err := o.store.LoadOrInitialize(ctx, user.ID); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	states, err := o.store.WatchEntitlement(subCtx, user.ID)
	if err != nil {
		cancel()
		return nil, err
	}
	history, err := o.store.WatchHistory(subCtx, user.ID)
	if err != nil {
		cancel()
		return nil, err
	}

	sess := newSession(sessionID, user, cancel)
	sess.state = <-states
	sess.history = <-history
	now := o.now()
	sess.touch(now)

	o.mu.Lock()
	if existing, ok := o.sessions[sessionID]; ok {
		o.mu.Unlock()
		cancel()
		existing.touch(now)
		return existing, nil
	}
	o.sessions[sessionID] = sess
	idle := o.sweepLocked(now)
	o.mu.Unlock()

	for _, s := range idle {
		s.release()
	}

	go sess.follow(states, history)
	o.log.Debug().Str("session_id", sessionID).Int64("user_id", user.ID).Msg("session acquired")
	return sess, nil
}

// Resume returns the live session for a valid token, re-attaching it after a
// restart as long as the session row has not been revoked.
func (o *Orchestrator) Resume(ctx context.Context, claims *auth.Claims) (*Session, error) {
	o.mu.Lock()
	sess, ok := o.sessions[claims.SessionID]
	o.mu.Unlock()
	if ok && sess.User.ExternalUserID == claims.Subject {
		sess.touch(o.now())
		return sess, nil
	}

	user, err := o.store.GetUserByExternalID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errSessionExpired
	}
	active, err := o.store.SessionActive(ctx, claims.SessionID, user.ID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, errSessionExpired
	}
	return o.acquire(ctx, *user, claims.SessionID)
}

// SignOut handles "session lost": subscriptions are cancelled, the session is
// revoked and the anonymous counter for the visitor is read again.
func (o *Orchestrator) SignOut(ctx context.Context, sess *Session, visitorID string) (Status, error) {
	if err := o.store.RevokeSession(ctx, sess.ID); err != nil {
		return Status{}, err
	}
	o.drop(sess)
	o.log.Debug().Str("session_id", sess.ID).Msg("session lost")
	return o.AnonymousStatus(ctx, visitorID)
}

func (o *Orchestrator) drop(sess *Session) {
	o.mu.Lock()
	if o.sessions[sess.ID] == sess {
		delete(o.sessions, sess.ID)
	}
	o.mu.Unlock()
	sess.release()
}

// sweepLocked unregisters idle sessions and returns them for release outside
// the lock.
func (o *Orchestrator) sweepLocked(now time.Time) []*Session {
	if now.Sub(o.lastSweep) < sweepInterval {
		return nil
	}
	o.lastSweep = now
	var idle []*Session
	for id, s := range o.sessions {
		if s.idleSince(now) > sessionIdleTimeout {
			delete(o.sessions, id)
			idle = append(idle, s)
		}
	}
	return idle
}

// Close releases every live session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.sessions = make(map[string]*Session)
	o.mu.Unlock()

	for _, s := range sessions {
		s.release()
	}
}

func (o *Orchestrator) Snapshot(sess *Session) Snapshot {
	return Snapshot{
		Status:  o.statusFor(sess.User, sess.Entitlement()),
		History: sess.History(),
	}
}

func (o *Orchestrator) AnonymousStatus(ctx context.Context, visitorID string) (Status, error) {
	if visitorID == "" {
		return o.anonymousStatus(o.limits.AnonymousUses), nil
	}
	remaining, err := o.anon.Remaining(ctx, visitorID)
	if err != nil {
		return Status{}, err
	}
	return o.anonymousStatus(remaining), nil
}

// Caller identifies who is asking: a live session, or a visitor id for
// signed-out use.
type Caller struct {
	Session   *Session
	VisitorID string
}

type AskRequest struct {
	Question         string `json:"question"`
	Subject          string `json:"subject"`
	ExplanationLevel string `json:"explanation_level"`
	ImageBase64      string `json:"image_base64,omitempty"`
	ImageMIMEType    string `json:"image_mime_type,omitempty"`
}

type Answer struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Question       string `json:"question"`
	Markdown       string `json:"markdown"`
	HTML           string `json:"html"`
	Status         Status `json:"status"`
}

// Ask answers a question after reserving one use. The reservation is given
// back when the provider fails, so a failed request costs nothing.
func (o *Orchestrator) Ask(ctx context.Context, caller Caller, req AskRequest) (*Answer, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" && strings.TrimSpace(req.ImageBase64) == "" {
		return nil, quota.ErrEmptyRequest
	}

	var (
		status  Status
		release func()
	)
	if sess := caller.Session; sess != nil {
		st, err := o.store.ReserveQuery(ctx, sess.User.ID)
		if err != nil {
			return nil, err
		}
		status = o.statusFor(sess.User, st)
		release = func() {
			if _, err := o.store.ReleaseQuery(context.WithoutCancel(ctx), sess.User.ID); err != nil {
				o.log.Error().Err(err).Int64("user_id", sess.User.ID).Msg("failed to release query reservation")
			}
		}
	} else {
		if caller.VisitorID == "" {
			return nil, errVisitorRequired
		}
		remaining, err := o.anon.Reserve(ctx, caller.VisitorID)
		if err != nil {
			return nil, err
		}
		status = o.anonymousStatus(remaining)
		release = func() {
			if _, err := o.anon.Release(context.WithoutCancel(ctx), caller.VisitorID); err != nil {
				o.log.Error().Err(err).Str("visitor_id", caller.VisitorID).Msg("failed to release anonymous reservation")
			}
		}
	}

	level := LookupLevel(req.ExplanationLevel)
	prompt := ComposePrompt(req.Subject, question)

	var (
		text string
		err  error
	)
	if req.ImageBase64 != "" {
		text, err = o.provider.GenerateTextAndImage(ctx, prompt, req.ImageBase64, req.ImageMIMEType, level.SystemInstruction)
	} else {
		text, err = o.provider.GenerateText(ctx, prompt, level.SystemInstruction)
	}
	if err != nil {
		release()
		if !errors.Is(err, quota.ErrProvider) {
			err = fmt.Errorf("%w: %v", quota.ErrProvider, err)
		}
		o.log.Warn().Err(err).Msg("answer provider failed")
		return nil, err
	}

	answer := &Answer{Question: question, Markdown: text, Status: status}
	if html, err := o.markdown.ToHTMLSanitized(text); err != nil {
		o.log.Error().Err(err).Msg("failed to render answer markdown")
	} else {
		answer.HTML = html
	}

	if sess := caller.Session; sess != nil {
		conv := &store.Conversation{
			UserID:           sess.User.ID,
			Question:         question,
			Answer:           text,
			Subject:          req.Subject,
			ExplanationLevel: level.ID,
		}
		// The user already has the answer; a failed write only costs history.
		if err := o.store.AppendConversation(context.WithoutCancel(ctx), conv); err != nil {
			o.log.Error().Err(err).Int64("user_id", sess.User.ID).Msg("failed to save conversation")
		} else {
			answer.ConversationID = conv.ID
		}
	}
	return answer, nil
}

func (o *Orchestrator) History(ctx context.Context, sess *Session, limit int) ([]store.Conversation, error) {
	if sess == nil {
		return nil, errSignInForHistory
	}
	return o.store.ListConversations(ctx, sess.User.ID, limit)
}

func (o *Orchestrator) Conversation(ctx context.Context, sess *Session, id string) (*store.Conversation, error) {
	if sess == nil {
		return nil, errSignInForHistory
	}
	return o.store.GetConversation(ctx, sess.User.ID, id)
}

type Export struct {
	FileName string
	PDF      []byte
	Status   Status
}

// Export renders a saved answer as PDF. Anonymous callers are refused; a
// rasterizer failure gives the export back.
func (o *Orchestrator) Export(ctx context.Context, sess *Session, conversationID string) (*Export, error) {
	if sess == nil {
		return nil, quota.ErrSignInToExport
	}
	conv, err := o.store.GetConversation(ctx, sess.User.ID, conversationID)
	if err != nil {
		return nil, err
	}
	st, err := o.store.ReserveExport(ctx, sess.User.ID)
	if err != nil {
		return nil, err
	}

	subject := ""
	if s, ok := LookupSubject(conv.Subject); ok && s.ID != SubjectGeneral {
		subject = s.Name
	}
	pdf, err := o.rasterizer.Rasterize(ctx, render.Document{
		Title:     exportTitle,
		Subject:   subject,
		Question:  conv.Question,
		Answer:    conv.Answer,
		CreatedAt: conv.Timestamp,
	})
	if err != nil {
		o.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("pdf export failed")
		if _, rerr := o.store.ReleaseExport(context.WithoutCancel(ctx), sess.User.ID); rerr != nil {
			o.log.Error().Err(rerr).Int64("user_id", sess.User.ID).Msg("failed to release export reservation")
		}
		return nil, fmt.Errorf("failed to export pdf: %w", err)
	}
	return &Export{FileName: ExportFileName, PDF: pdf, Status: o.statusFor(sess.User, st)}, nil
}

// Checkout carries what the payment widget needs to open.
type Checkout struct {
	KeyID       string `json:"key_id"`
	OrderID     string `json:"order_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Email       string `json:"email"`
}

func (o *Orchestrator) StartUpgrade(ctx context.Context, sess *Session) (*Checkout, error) {
	if sess == nil {
		return nil, errSignInToUpgrade
	}
	// The mirror misses grants made outside this process (admin CLI).
	st, err := o.store.GetEntitlement(ctx, sess.User.ID)
	if err != nil {
		return nil, err
	}
	if st.IsPremiumUser {
		return nil, ErrAlreadyPremium
	}
	amount := int64(o.priceINR) * 100
	order, err := o.payments.CreateOrder(ctx, payment.OrderRequest{
		Amount:   amount,
		Currency: premiumCurrency,
		Receipt:  uuid.NewString(),
		Notes:    map[string]string{"user": sess.User.ExternalUserID, "plan": "lifetime"},
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.CreatePaymentOrder(ctx, &store.PaymentOrder{
		ID:       order.ID,
		UserID:   sess.User.ID,
		Amount:   amount,
		Currency: premiumCurrency,
	}); err != nil {
		return nil, err
	}
	o.log.Info().Str("order_id", order.ID).Int64("user_id", sess.User.ID).Msg("premium order created")
	return &Checkout{
		KeyID:       o.payments.KeyID(),
		OrderID:     order.ID,
		Amount:      amount,
		Currency:    premiumCurrency,
		Name:        premiumName,
		Description: premiumDescription,
		Email:       sess.User.ExternalUserID,
	}, nil
}

// CompleteUpgrade grants premium only for a gateway-signed payment of an
// order that belongs to the caller.
func (o *Orchestrator) CompleteUpgrade(ctx context.Context, sess *Session, orderID, paymentID, signature string) (Status, error) {
	if sess == nil {
		return Status{}, errSignInToUpgrade
	}
	order, err := o.store.GetPaymentOrder(ctx, orderID)
	if errors.Is(err, quota.ErrNotFound) {
		return Status{}, fmt.Errorf("%w: unknown order", quota.ErrPaymentUnverified)
	}
	if err != nil {
		return Status{}, err
	}
	if order.UserID != sess.User.ID {
		o.log.Warn().Str("order_id", orderID).Int64("user_id", sess.User.ID).Msg("payment for another user's order")
		return Status{}, fmt.Errorf("%w: unknown order", quota.ErrPaymentUnverified)
	}
	if !o.payments.VerifySignature(orderID, paymentID, signature) {
		o.log.Warn().Str("order_id", orderID).Msg("payment signature mismatch")
		return Status{}, fmt.Errorf("%w: signature mismatch", quota.ErrPaymentUnverified)
	}
	if err := o.store.MarkPaymentOrderPaid(ctx, orderID, paymentID); err != nil {
		if errors.Is(err, store.ErrPaymentMismatch) {
			return Status{}, fmt.Errorf("%w: %v", quota.ErrPaymentUnverified, err)
		}
		return Status{}, err
	}
	st, err := o.store.GrantPremium(ctx, sess.User.ID)
	if err != nil {
		return Status{}, err
	}
	o.log.Info().Str("order_id", orderID).Int64("user_id", sess.User.ID).Msg("premium granted")
	return o.statusFor(sess.User, st), nil
}

// Catalog is the static configuration the front-end renders its pickers and
// counters from.
type Catalog struct {
	Subjects          []Subject          `json:"subjects"`
	ExplanationLevels []ExplanationLevel `json:"explanation_levels"`
	Limits            CatalogLimits      `json:"limits"`
	Premium           CatalogPremium     `json:"premium"`
}

type CatalogLimits struct {
	FreeUses      int `json:"free_uses"`
	AnonymousUses int `json:"anonymous_uses"`
	PDFExports    int `json:"pdf_exports"`
}

type CatalogPremium struct {
	PriceINR    int    `json:"price_inr"`
	Currency    string `json:"currency"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (o *Orchestrator) Catalog() Catalog {
	return Catalog{
		Subjects:          Subjects(),
		ExplanationLevels: ExplanationLevels(),
		Limits: CatalogLimits{
			FreeUses:      o.limits.FreeUses,
			AnonymousUses: o.limits.AnonymousUses,
			PDFExports:    o.limits.PDFExports,
		},
		Premium: CatalogPremium{
			PriceINR:    o.priceINR,
			Currency:    premiumCurrency,
			Name:        premiumName,
			Description: premiumDescription,
		},
	}
}
