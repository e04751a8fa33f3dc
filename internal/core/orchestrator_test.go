package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnova.app/backend/internal/auth"
	"learnova.app/backend/internal/payment"
	"learnova.app/backend/internal/quota"
	"learnova.app/backend/internal/render"
	"learnova.app/backend/internal/store"
)

type providerCall struct {
	prompt      string
	instruction string
	image       string
	mimeType    string
}

type fakeProvider struct {
	mu    sync.Mutex
	calls []providerCall
	err   error
}

func (p *fakeProvider) GenerateText(ctx context.Context, prompt, systemInstruction string) (string, error) {
	return p.record(providerCall{prompt: prompt, instruction: systemInstruction})
}

func (p *fakeProvider) GenerateTextAndImage(ctx context.Context, prompt, imageBase64, mimeType, systemInstruction string) (string, error) {
	return p.record(providerCall{prompt: prompt, instruction: systemInstruction, image: imageBase64, mimeType: mimeType})
}

func (p *fakeProvider) record(c providerCall) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	if p.err != nil {
		return "", p.err
	}
	return "**Answer** to: " + c.prompt, nil
}

func (p *fakeProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProvider) lastCall() providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeRasterizer struct {
	err  error
	docs []render.Document
}

func (r *fakeRasterizer) Rasterize(ctx context.Context, doc render.Document) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.docs = append(r.docs, doc)
	return []byte("%PDF-1.3 fake"), nil
}

type fakeGateway struct {
	secret string
	orders int
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req payment.OrderRequest) (*payment.Order, error) {
	g.orders++
	return &payment.Order{ID: "order_" + req.Receipt[:8], Amount: req.Amount, Currency: req.Currency, Status: "created"}, nil
}

func (g *fakeGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return payment.Sign(g.secret, orderID, paymentID) == signature
}

func (g *fakeGateway) KeyID() string { return "rzp_test_key" }

type harness struct {
	orch       *Orchestrator
	store      *store.SQLiteStore
	provider   *fakeProvider
	rasterizer *fakeRasterizer
	gateway    *fakeGateway
	signer     *auth.Signer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return newHarnessOn(t, s)
}

func newHarnessOn(t *testing.T, s *store.SQLiteStore) *harness {
	t.Helper()
	h := &harness{
		store:      s,
		provider:   &fakeProvider{},
		rasterizer: &fakeRasterizer{},
		gateway:    &fakeGateway{secret: "rzp_secret"},
		signer:     auth.NewSigner("test-secret"),
	}
	h.orch = NewOrchestrator(Options{
		Store:      s,
		Provider:   h.provider,
		Rasterizer: h.rasterizer,
		Payments:   h.gateway,
		Signer:     h.signer,
		PriceINR:   39,
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) signUp(t *testing.T, email string) *Session {
	t.Helper()
	res, err := h.orch.SignUp(context.Background(), email, "password1", "")
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)
	return res.Session
}

func TestSignUpInitializesSettings(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "Student@Example.com ")

	assert.Equal(t, "student@example.com", sess.User.ExternalUserID)
	snap := h.orch.Snapshot(sess)
	assert.True(t, snap.SignedIn)
	assert.False(t, snap.IsPremiumUser)
	assert.Equal(t, 25, snap.FreeUsesRemaining)
	assert.Equal(t, 10, snap.PDFExportsRemaining)
	assert.Empty(t, snap.History)

	_, err := h.orch.SignUp(context.Background(), "student@example.com", "password1", "")
	assert.ErrorIs(t, err, store.ErrDuplicateUser)

	_, err = h.orch.SignUp(context.Background(), "other@example.com", "short", "")
	assert.ErrorIs(t, err, ErrWeakPassword)
}

func TestSignInChecksPassword(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "a@example.com")
	ctx := context.Background()

	_, err := h.orch.SignIn(ctx, "a@example.com", "wrong-password", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = h.orch.SignIn(ctx, "nobody@example.com", "password1", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := h.orch.SignIn(ctx, "A@example.com", "password1", "")
	require.NoError(t, err)
	claims, err := h.signer.ValidateJWT(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", claims.Subject)
	assert.Equal(t, res.Session.ID, claims.SessionID)
}

func TestAskSpendsFreeUsesUntilUpgradePrompt(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")
	ctx := context.Background()

	for i := 24; i >= 0; i-- {
		ans, err := h.orch.Ask(ctx, Caller{Session: sess}, AskRequest{Question: "What is inertia?"})
		require.NoError(t, err)
		assert.Equal(t, i, ans.Status.FreeUsesRemaining)
		assert.NotEmpty(t, ans.ConversationID)
	}

	_, err := h.orch.Ask(ctx, Caller{Session: sess}, AskRequest{Question: "one more"})
	require.Error(t, err)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Equal(t, quota.PromptUpgrade, quota.PromptFor(err))
	assert.Equal(t, 25, h.provider.callCount(), "denied requests never reach the provider")
}

func TestAskRendersSanitizedHTMLAndSavesHistory(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")
	ctx := context.Background()

	ans, err := h.orch.Ask(ctx, Caller{Session: sess}, AskRequest{
		Question:         "  Why is the sky blue? ",
		Subject:          "physics",
		ExplanationLevel: "class_6",
	})
	require.NoError(t, err)
	assert.Equal(t, "Why is the sky blue?", ans.Question)
	assert.Contains(t, ans.HTML, "<strong>Answer</strong>")

	call := h.provider.lastCall()
	assert.Equal(t, "Subject: Physics. Question: Why is the sky blue?", call.prompt)
	assert.Equal(t, LookupLevel("class_6").SystemInstruction, call.instruction)

	got, err := h.orch.Conversation(ctx, sess, ans.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, ans.Markdown, got.Answer)
	assert.Equal(t, "physics", got.Subject)
	assert.Equal(t, "class_6", got.ExplanationLevel)

	require.Eventually(t, func() bool {
		snap := h.orch.Snapshot(sess)
		return len(snap.History) == 1 && snap.FreeUsesRemaining == 24
	}, time.Second, 5*time.Millisecond, "the mirror follows the store")
}

func TestAskRejectsEmptyRequest(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")

	_, err := h.orch.Ask(context.Background(), Caller{Session: sess}, AskRequest{Question: "   "})
	assert.ErrorIs(t, err, quota.ErrEmptyRequest)

	st, err := h.store.GetEntitlement(context.Background(), sess.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, st.FreeUsesRemaining)
	assert.Zero(t, h.provider.callCount())
}

func TestAskWithImageOnly(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")

	_, err := h.orch.Ask(context.Background(), Caller{Session: sess}, AskRequest{ImageBase64: "aGVsbG8=", ImageMIMEType: "image/png"})
	require.NoError(t, err)
	call := h.provider.lastCall()
	assert.Equal(t, "aGVsbG8=", call.image)
	assert.Equal(t, "image/png", call.mimeType)
	assert.Equal(t, LookupLevel(LevelGeneral).SystemInstruction, call.instruction)
}

func TestProviderFailureRefundsReservation(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")
	ctx := context.Background()
	h.provider.fail(errors.New("API key not valid"))

	_, err := h.orch.Ask(ctx, Caller{Session: sess}, AskRequest{Question: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, quota.ErrProvider)
	assert.Contains(t, err.Error(), "API key not valid")

	st, err := h.store.GetEntitlement(ctx, sess.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, st.FreeUsesRemaining)
	list, err := h.store.ListConversations(ctx, sess.User.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.orch.Ask(ctx, Caller{VisitorID: "v1"}, AskRequest{Question: "q"})
	require.ErrorIs(t, err, quota.ErrProvider)
	status, err := h.orch.AnonymousStatus(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 5, status.AnonymousUsesRemaining)
}

func TestAnonymousAllowanceThenSignUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	visitor := Caller{VisitorID: "visitor-1"}

	for i := 4; i >= 0; i-- {
		ans, err := h.orch.Ask(ctx, visitor, AskRequest{Question: "q"})
		require.NoError(t, err)
		assert.Equal(t, i, ans.Status.AnonymousUsesRemaining)
		assert.Empty(t, ans.ConversationID, "anonymous answers are not saved")
	}

	_, err := h.orch.Ask(ctx, visitor, AskRequest{Question: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, quota.ErrAuthRequired)
	assert.Equal(t, quota.PromptSignIn, quota.PromptFor(err))

	res, err := h.orch.SignUp(ctx, "new@example.com", "password1", "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, 25, h.orch.Snapshot(res.Session).FreeUsesRemaining, "anonymous usage is not merged")

	status, err := h.orch.SignOut(ctx, res.Session, "visitor-1")
	require.NoError(t, err)
	assert.False(t, status.SignedIn)
	assert.Equal(t, 5, status.AnonymousUsesRemaining)

	_, err = h.orch.Ask(ctx, Caller{}, AskRequest{Question: "q"})
	assert.ErrorIs(t, err, quota.ErrAuthRequired)
}

func TestSignOutStopsSessionAndRevokesToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.SignUp(ctx, "u@example.com", "password1", "")
	require.NoError(t, err)
	claims, err := h.signer.ValidateJWT(res.Token)
	require.NoError(t, err)

	resumed, err := h.orch.Resume(ctx, claims)
	require.NoError(t, err)
	assert.Same(t, res.Session, resumed)

	_, err = h.orch.SignOut(ctx, res.Session, "")
	require.NoError(t, err)
	select {
	case <-res.Session.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriptions still running after sign-out")
	}

	_, err = h.orch.Resume(ctx, claims)
	assert.ErrorIs(t, err, quota.ErrAuthRequired)
}

func TestResumeAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.SignUp(ctx, "u@example.com", "password1", "")
	require.NoError(t, err)
	_, err = h.orch.Ask(ctx, Caller{Session: res.Session}, AskRequest{Question: "q"})
	require.NoError(t, err)
	claims, err := h.signer.ValidateJWT(res.Token)
	require.NoError(t, err)

	restarted := newHarnessOn(t, h.store)
	sess, err := restarted.orch.Resume(ctx, claims)
	require.NoError(t, err)
	snap := restarted.orch.Snapshot(sess)
	assert.Equal(t, 24, snap.FreeUsesRemaining)
	assert.Len(t, snap.History, 1)
}

func TestExportLimits(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")
	ctx := context.Background()

	_, err := h.orch.Export(ctx, nil, "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, quota.ErrAuthRequired)
	assert.Equal(t, "must sign in to export", err.Error())

	ans, err := h.orch.Ask(ctx, Caller{Session: sess}, AskRequest{Question: "q", Subject: "biology"})
	require.NoError(t, err)

	for i := 9; i >= 0; i-- {
		exp, err := h.orch.Export(ctx, sess, ans.ConversationID)
		require.NoError(t, err)
		assert.Equal(t, ExportFileName, exp.FileName)
		assert.Equal(t, i, exp.Status.PDFExportsRemaining)
	}
	assert.Equal(t, "Biology", h.rasterizer.docs[0].Subject)
	assert.Equal(t, "q", h.rasterizer.docs[0].Question)

	_, err = h.orch.Export(ctx, sess, ans.ConversationID)
	require.Error(t, err)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Equal(t, quota.PromptUpgrade, quota.PromptFor(err))

	_, err = h.orch.Export(ctx, sess, "missing")
	assert.ErrorIs(t, err, quota.ErrNotFound)
}

func TestRasterizerFailureRefundsExport(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")
	ctx := context.Background()
	ans, err := h.orch.Ask(ctx, Caller{Session: sess}, AskRequest{Question: "q"})
	require.NoError(t, err)

	h.rasterizer.err = render.ErrNothingToExport
	_, err = h.orch.Export(ctx, sess, ans.ConversationID)
	assert.ErrorIs(t, err, render.ErrNothingToExport)

	st, err := h.store.GetEntitlement(ctx, sess.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, st.PDFExportsToday)
}

func TestUpgradeRequiresVerifiedPayment(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")
	intruder := h.signUp(t, "intruder@example.com")
	ctx := context.Background()

	checkout, err := h.orch.StartUpgrade(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(3900), checkout.Amount)
	assert.Equal(t, "INR", checkout.Currency)
	assert.Equal(t, "Lifetime Premium Access", checkout.Description)
	assert.Equal(t, "rzp_test_key", checkout.KeyID)

	_, err = h.orch.CompleteUpgrade(ctx, sess, checkout.OrderID, "pay_1", "forged")
	assert.ErrorIs(t, err, quota.ErrPaymentUnverified)
	st, err := h.store.GetEntitlement(ctx, sess.User.ID)
	require.NoError(t, err)
	assert.False(t, st.IsPremiumUser)

	goodSig := payment.Sign("rzp_secret", checkout.OrderID, "pay_1")
	_, err = h.orch.CompleteUpgrade(ctx, intruder, checkout.OrderID, "pay_1", goodSig)
	assert.ErrorIs(t, err, quota.ErrPaymentUnverified, "orders are bound to their buyer")

	status, err := h.orch.CompleteUpgrade(ctx, sess, checkout.OrderID, "pay_1", goodSig)
	require.NoError(t, err)
	assert.True(t, status.IsPremiumUser)

	// Premium users are never charged or blocked.
	for i := 0; i < 30; i++ {
		_, err := h.orch.Ask(ctx, Caller{Session: sess}, AskRequest{Question: "q"})
		require.NoError(t, err)
	}
	st, err = h.store.GetEntitlement(ctx, sess.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, st.FreeUsesRemaining)

	require.Eventually(t, func() bool { return sess.Entitlement().IsPremiumUser }, time.Second, 5*time.Millisecond)
	_, err = h.orch.StartUpgrade(ctx, sess)
	assert.ErrorIs(t, err, ErrAlreadyPremium)
}

func TestStartUpgradeSeesGrantsFromOtherProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h := newHarnessOn(t, s)
	sess := h.signUp(t, "u@example.com")
	ctx := context.Background()

	// The admin CLI opens its own store on the same database.
	admin, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = admin.GrantPremium(ctx, sess.User.ID)
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	_, err = h.orch.StartUpgrade(ctx, sess)
	assert.ErrorIs(t, err, ErrAlreadyPremium)
	assert.Zero(t, h.gateway.orders, "no checkout is opened for a premium user")
}

func TestConcurrentAsksNeverOverspend(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		served int
	)
	for i := 0; i < 35; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.Ask(ctx, Caller{Session: sess}, AskRequest{Question: "q"}); err == nil {
				mu.Lock()
				served++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, served)
}

func TestStatusShowsRolledOverCounters(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "u@example.com")

	st := sess.Entitlement()
	st.FreeUsesRemaining = 3
	st.LastUsedDate = "2000-01-01"
	status := h.orch.statusFor(sess.User, st)
	assert.Equal(t, 25, status.FreeUsesRemaining)
	assert.True(t, strings.HasPrefix(status.User, "u@"))
}

func TestIdleSessionsAreReleased(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.orch.now = func() time.Time { return now }

	idle := h.signUp(t, "idle@example.com")
	now = now.Add(25 * time.Hour)
	active := h.signUp(t, "active@example.com")

	select {
	case <-idle.Done():
	case <-time.After(time.Second):
		t.Fatal("idle session was not released")
	}
	select {
	case <-active.Done():
		t.Fatal("fresh session was released")
	default:
	}
}
