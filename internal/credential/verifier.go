package credential

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/backend"
	"github.com/commongrow/garden-core/internal/infrastructure/logging"
	"github.com/commongrow/garden-core/internal/session"
)

// defaultLoginTimeout bounds login and second-factor calls when the
// config leaves it unset.
const defaultLoginTimeout = 15 * time.Second

// OutcomeKind is the result class of a credential exchange.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeAuthenticated        OutcomeKind = "authenticated"
	OutcomeSecondFactorRequired OutcomeKind = "second_factor_required"
	OutcomeRejected             OutcomeKind = "rejected"
)

// Outcome is what Submit and CompleteSecondFactor resolve to.
type Outcome struct {
	Kind     OutcomeKind                `json:"kind"`
	Identity *auth.Identity             `json:"identity,omitempty"`
	Pending  *auth.PendingFactorContext `json:"pending_factor,omitempty"`
	Reason   auth.RejectReason          `json:"reason,omitempty"`
}

// Backend is the subset of the backend client the verifier uses.
type Backend interface {
	Login(ctx context.Context, email, password string) (*backend.LoginResponse, error)
	VerifySecondFactor(ctx context.Context, pending backend.PendingFactor, code string) (*backend.VerifyResponse, error)
	SelectFactorMethod(ctx context.Context, pending backend.PendingFactor, method string) error
	Logout(ctx context.Context, token string) error
}

// Recorder receives login outcome counts.
type Recorder interface {
	ObserveLogin(outcome string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveLogin(string) {}

// Config tunes the verifier.
type Config struct {
	// LoginTimeout bounds each login and second-factor backend call.
	LoginTimeout time.Duration

	// LogoutTimeout bounds the best-effort backend logout.
	LogoutTimeout time.Duration

	// FactorMethods lists the delivery methods users may choose between.
	FactorMethods []auth.FactorMethod

	// DefaultFactor is used when the backend does not name a method.
	DefaultFactor auth.FactorMethod
}

// Deps holds the dependencies required by the Verifier.
type Deps struct {
	Store   *session.Store
	Backend Backend
	Logger  *logging.Logger
	Metrics Recorder
	Config  Config
}

// Verifier exchanges credentials for a session.
type Verifier struct {
	store   *session.Store
	writer  *session.Writer
	backend Backend
	logger  *logging.Logger
	metrics Recorder
	cfg     Config

	// verifying guards against two concurrent second-factor submissions.
	verifying atomic.Bool
}

// New creates a verifier and claims the store's writer.
func New(deps Deps) (*Verifier, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	writer, err := deps.Store.ClaimWriter()
	if err != nil {
		return nil, fmt.Errorf("claiming session writer: %w", err)
	}

	cfg := deps.Config
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = cfg.LoginTimeout
	}
	if len(cfg.FactorMethods) == 0 {
		cfg.FactorMethods = []auth.FactorMethod{auth.FactorEmail, auth.FactorSMS}
	}
	if cfg.DefaultFactor == "" {
		cfg.DefaultFactor = cfg.FactorMethods[0]
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	var metrics Recorder = noopRecorder{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}

	return &Verifier{
		store:   deps.Store,
		writer:  writer,
		backend: deps.Backend,
		logger:  logger.With("component", "credential"),
		metrics: metrics,
		cfg:     cfg,
	}, nil
}

// Submit exchanges an email/password pair for a session.
//
// Returns:
//   - Outcome: Authenticated, SecondFactorRequired or Rejected
//   - *auth.ValidationError: malformed input, nothing sent, session unchanged
//   - *auth.RejectedError: alongside a Rejected outcome; session is now error
//   - auth.ErrLoginInFlight: another submit is still authenticating
//   - auth.ErrInvalidState: already pending a second factor or authenticated
//   - auth.ErrTransient: network failure or timeout; session restored
func (v *Verifier) Submit(ctx context.Context, email, password string) (Outcome, error) {
	email = auth.NormalizeEmail(email)
	if err := auth.ValidateEmail(email); err != nil {
		v.metrics.ObserveLogin("validation")
		return Outcome{}, err
	}
	if password == "" {
		v.metrics.ObserveLogin("validation")
		return Outcome{}, &auth.ValidationError{Field: "password", Message: "is required"}
	}

	attempt, err := v.writer.BeginAuthentication()
	if err != nil {
		if errors.Is(err, auth.ErrLoginInFlight) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: %w", auth.ErrInvalidState, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.LoginTimeout)
	defer cancel()

	resp, err := v.backend.Login(callCtx, email, password)
	if err != nil {
		var rej *auth.RejectedError
		if errors.As(err, &rej) {
			return v.reject(attempt.ID, email, rej.Reason)
		}
		if restoreErr := v.writer.Restore(attempt); restoreErr != nil {
			v.logger.Debug("restore skipped", "error", restoreErr)
		}
		return Outcome{}, v.transient("login", email, err)
	}

	if resp.Status == backend.LoginStatusSecondRequired {
		pending := v.toPending(*resp.PendingFactorContext, email)
		if err := v.writer.RequireSecondFactor(attempt.ID, pending); err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", auth.ErrInvalidState, err)
		}
		v.metrics.ObserveLogin(string(OutcomeSecondFactorRequired))
		v.logger.Info("second factor required", "email", email, "method", pending.Method)
		return Outcome{Kind: OutcomeSecondFactorRequired, Pending: &pending}, nil
	}

	return v.finish(attempt.ID, email, resp.Identity, resp.AccessToken)
}

// CompleteSecondFactor finalises a pending login with a one-time code.
// A transient failure leaves the session pending so the user can retry
// the same code.
func (v *Verifier) CompleteSecondFactor(ctx context.Context, code string) (Outcome, error) {
	cur := v.store.Current()
	if cur.Status != session.StatusPendingSecondFactor || cur.Pending == nil {
		return Outcome{}, fmt.Errorf("%w: no second factor pending (status %s)", auth.ErrInvalidState, cur.Status)
	}
	if !auth.IsValidFactorCode(code) {
		return Outcome{}, &auth.ValidationError{Field: "code", Message: "must be 4 to 10 digits"}
	}
	if !v.verifying.CompareAndSwap(false, true) {
		return Outcome{}, auth.ErrLoginInFlight
	}
	defer v.verifying.Store(false)

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.LoginTimeout)
	defer cancel()

	email := cur.Pending.Email
	resp, err := v.backend.VerifySecondFactor(callCtx, toWirePending(*cur.Pending), code)
	if err != nil {
		var rej *auth.RejectedError
		if errors.As(err, &rej) {
			return v.reject(cur.Attempt, email, rej.Reason)
		}
		return Outcome{}, v.transient("2fa verify", email, err)
	}
	return v.finish(cur.Attempt, email, resp.Identity, resp.AccessToken)
}

// ChooseFactorMethod switches the delivery method of a pending second
// factor and asks the backend to send a code that way.
func (v *Verifier) ChooseFactorMethod(ctx context.Context, raw string) error {
	method, ok := auth.ParseFactorMethod(raw)
	if !ok || !slices.Contains(v.cfg.FactorMethods, method) {
		return &auth.ValidationError{Field: "method", Message: fmt.Sprintf("%q is not an enabled delivery method", raw)}
	}
	cur := v.store.Current()
	if cur.Status != session.StatusPendingSecondFactor || cur.Pending == nil {
		return fmt.Errorf("%w: no second factor pending (status %s)", auth.ErrInvalidState, cur.Status)
	}

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.LoginTimeout)
	defer cancel()

	if err := v.backend.SelectFactorMethod(callCtx, toWirePending(*cur.Pending), string(method)); err != nil {
		if errors.Is(err, auth.ErrRejected) {
			return err
		}
		return v.transient("2fa method", cur.Pending.Email, err)
	}
	if err := v.writer.SetFactorMethod(cur.Attempt, method); err != nil {
		return fmt.Errorf("%w: %w", auth.ErrInvalidState, err)
	}
	return nil
}

// Logout clears the session locally first, then tells the backend. The
// backend call is best-effort: its failure is logged and never undoes the
// local logout. Reports whether there was anything to log out of.
func (v *Verifier) Logout(ctx context.Context) bool {
	cur := v.store.Current()
	if !v.store.Logout() {
		return false
	}
	if cur.Identity == nil || cur.Identity.AccessToken == "" {
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.LogoutTimeout)
	defer cancel()
	if err := v.backend.Logout(callCtx, cur.Identity.AccessToken); err != nil {
		v.logger.Warn("backend logout failed", "identity_id", cur.Identity.ID, "error", err)
	}
	return true
}

// Acknowledge dismisses a login error and returns the session to anonymous.
func (v *Verifier) Acknowledge() error {
	if err := v.store.Acknowledge(); err != nil {
		return fmt.Errorf("%w: %w", auth.ErrInvalidState, err)
	}
	return nil
}

// finish turns a backend identity into an auth.Identity and commits it.
func (v *Verifier) finish(attemptID uint64, email string, wire *backend.Identity, token string) (Outcome, error) {
	identity, err := v.toIdentity(wire, token)
	if err != nil {
		v.logger.Warn("backend identity unusable", "email", email, "error", err)
		return v.reject(attemptID, email, auth.ReasonUnknown)
	}
	if err := v.writer.Authenticate(attemptID, identity); err != nil {
		// Superseded by a logout or a newer attempt while the call was in flight.
		v.logger.Debug("authentication result discarded", "email", email, "error", err)
		return Outcome{}, fmt.Errorf("%w: %w", auth.ErrInvalidState, err)
	}
	v.metrics.ObserveLogin(string(OutcomeAuthenticated))
	v.logger.Info("login succeeded", "identity_id", identity.ID, "roles", identity.Roles.Strings())
	return Outcome{Kind: OutcomeAuthenticated, Identity: &identity}, nil
}

func (v *Verifier) reject(attemptID uint64, email string, reason auth.RejectReason) (Outcome, error) {
	if err := v.writer.Fail(attemptID, string(reason), reason.Message()); err != nil {
		v.logger.Debug("rejection result discarded", "email", email, "error", err)
		return Outcome{}, fmt.Errorf("%w: %w", auth.ErrInvalidState, err)
	}
	v.metrics.ObserveLogin(string(OutcomeRejected))
	v.logger.Info("login rejected", "email", email, "reason", reason)
	return Outcome{Kind: OutcomeRejected, Reason: reason}, &auth.RejectedError{Reason: reason}
}

func (v *Verifier) transient(op, email string, err error) error {
	v.metrics.ObserveLogin("transient")
	v.logger.Warn("credential exchange failed", "op", op, "email", email, "error", err)
	if errors.Is(err, auth.ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", auth.ErrTransient, op, err)
}

func (v *Verifier) toIdentity(wire *backend.Identity, token string) (auth.Identity, error) {
	if wire == nil || wire.ID == "" {
		return auth.Identity{}, errors.New("missing identity id")
	}
	roles, unknown := auth.ParseRoles(wire.Roles)
	for _, raw := range unknown {
		v.logger.Warn("unknown role, falling back to gardener", "identity_id", wire.ID.String(), "role", raw)
	}
	if roles.Len() == 0 {
		return auth.Identity{}, errors.New("identity has no roles")
	}

	identity := auth.Identity{
		ID:    wire.ID.String(),
		Email: auth.NormalizeEmail(wire.Email),
		Roles: roles,
		Profile: auth.Profile{
			DisplayName: wire.Profile.DisplayName,
			AvatarRef:   wire.Profile.AvatarRef,
		},
		AccessToken: token,
	}
	if err := auth.ApplyTokenClaims(&identity); err != nil {
		return auth.Identity{}, err
	}
	return identity, nil
}

func (v *Verifier) toPending(wire backend.PendingFactor, email string) auth.PendingFactorContext {
	method, ok := auth.ParseFactorMethod(wire.Method)
	if !ok || !slices.Contains(v.cfg.FactorMethods, method) {
		method = v.cfg.DefaultFactor
	}
	if wire.Email != "" {
		email = auth.NormalizeEmail(wire.Email)
	}
	return auth.PendingFactorContext{Token: wire.Token, Method: method, Email: email}
}

func toWirePending(p auth.PendingFactorContext) backend.PendingFactor {
	return backend.PendingFactor{Token: p.Token, Method: string(p.Method), Email: p.Email}
}
