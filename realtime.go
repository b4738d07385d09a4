package chatrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when an intent is sent without an open
	// connection.
	ErrNotConnected = errors.New("chatrt: not connected")
	// ErrClosed is returned when an operation runs after teardown.
	ErrClosed = errors.New("chatrt: closed")
	// ErrTokenUnavailable is returned when the realtime token could not be
	// obtained within the bounded retry budget. The caller degrades to
	// no-realtime mode; it is not fatal.
	ErrTokenUnavailable = errors.New("chatrt: realtime token unavailable")
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection.
type RealtimeConfig struct {
	// TokenRetryDelay is the single pause between the two token-fetch
	// attempts made per connect.
	TokenRetryDelay time.Duration
	// MaxReconnectAttempts bounds automatic reconnection after a transport
	// drop; the connection never retries without limit.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.TokenRetryDelay == 0 {
		c.TokenRetryDelay = 2 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that stayed up for a minute earns one budget reset; the
	// timestamp is consumed so a permanent failure afterwards still exhausts
	// the attempt cap.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single outbound realtime connection of a logged-in
// session: token fetch with one bounded retry, connect, bounded reconnect
// with capped backoff, and teardown. Every event read off the wire is handed
// to OnEnvelope in arrival order.
type RealtimeClient struct {
	api    *Client
	config RealtimeConfig
	log    zerolog.Logger

	// OnEnvelope receives every server event in arrival order. Set before
	// Connect.
	OnEnvelope func(Envelope)
	// OnConnected fires after each successful connect, including reconnects.
	// Presence state is empty at that point and rebuilt from the snapshot
	// the server pushes on connect.
	OnConnected func()
	// OnDisconnected fires when the connection is lost or closed; stale
	// state must be cleared by the receiver.
	OnDisconnected func(reason string)

	mu       sync.Mutex
	conn     *websocket.Conn
	state    RealtimeState
	closed   bool // teardown requested; suppresses late-resolving connects
	cancelFn context.CancelFunc
	recon    *reconnector

	tokenMu     sync.Mutex
	cachedToken string
}

// NewRealtimeClient creates a disconnected realtime client using api for
// token fetches.
func NewRealtimeClient(api *Client, config *RealtimeConfig, log zerolog.Logger) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		api:    api,
		config: cfg,
		log:    log,
		state:  StateDisconnected,
		recon:  newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connect fetches a realtime token and opens the connection. It is
// idempotent: a second call while connecting or connected is a no-op, and a
// call after Close returns ErrClosed. A failed token fetch leaves the client
// disconnected without surfacing further errors; the product degrades to
// no-realtime mode until the next login-state change.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return ErrClosed
	}
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.mu.Unlock()

	token, err := rc.token(ctx)
	if err != nil {
		rc.setDisconnected()
		rc.log.Warn().Err(err).Msg("realtime token fetch failed; continuing without realtime")
		return ErrTokenUnavailable
	}

	wsURL := wsBaseURL(rc.api.BaseURL()) + "/ws/chat?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rc.setDisconnected()
		return fmt.Errorf("websocket dial: %w", err)
	}

	rc.mu.Lock()
	if rc.closed {
		// Teardown won the race while dialing; drop the fresh connection.
		rc.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed during connect")
		return ErrClosed
	}
	rc.conn = conn
	rc.state = StateConnected
	connCtx, cancel := context.WithCancel(context.Background())
	rc.cancelFn = cancel
	rc.mu.Unlock()

	rc.recon.markConnected()
	rc.log.Debug().Msg("realtime connected")
	if rc.OnConnected != nil {
		rc.OnConnected()
	}

	go rc.readLoop(connCtx, conn)
	return nil
}

// Close tears the connection down. Idempotent and safe to call concurrently
// with a Connect still in flight; the connection is gone (or suppressed)
// when it returns.
func (rc *RealtimeClient) Close() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.invalidateToken()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	if rc.OnDisconnected != nil {
		rc.OnDisconnected("closed")
	}
}

// EmitAway sends the local user's away intent.
func (rc *RealtimeClient) EmitAway() { rc.sendIntent(IntentAway) }

// EmitOnline sends the local user's online intent.
func (rc *RealtimeClient) EmitOnline() { rc.sendIntent(IntentOnline) }

func (rc *RealtimeClient) sendIntent(intent string) {
	if err := rc.Send(Envelope{Event: intent}); err != nil {
		// Presence intents are best-effort: the server re-derives state on
		// the next connect.
		rc.log.Debug().Str("intent", intent).Err(err).Msg("presence intent dropped")
	}
}

// Send writes one envelope to the server.
func (rc *RealtimeClient) Send(env Envelope) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── token handling ──────────────────────────────────────────────

// token returns a realtime credential, reusing the cached one only while its
// expiry claim is still comfortably in the future. A fresh fetch gets exactly
// one retry after TokenRetryDelay, then gives up.
func (rc *RealtimeClient) token(ctx context.Context) (string, error) {
	rc.tokenMu.Lock()
	cached := rc.cachedToken
	rc.tokenMu.Unlock()
	if cached != "" && !tokenExpired(cached, time.Now()) {
		return cached, nil
	}

	td, err := rc.api.RealtimeToken(ctx)
	if err != nil {
		rc.log.Debug().Err(err).Msg("token fetch failed; retrying once")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(rc.config.TokenRetryDelay):
		}
		td, err = rc.api.RealtimeToken(ctx)
		if err != nil {
			return "", err
		}
	}

	rc.tokenMu.Lock()
	rc.cachedToken = td.Token
	rc.tokenMu.Unlock()
	return td.Token, nil
}

func (rc *RealtimeClient) invalidateToken() {
	rc.tokenMu.Lock()
	rc.cachedToken = ""
	rc.tokenMu.Unlock()
}

// tokenExpired inspects the JWT exp claim without verifying the signature —
// verification is the server's job, the client only needs to know whether a
// cached credential is worth presenting. Tokens within 30s of expiry, or
// tokens that do not parse as JWTs, are treated as expired so each reconnect
// presents a fresh credential.
func tokenExpired(token string, now time.Time) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return !now.Add(30 * time.Second).Before(exp.Time)
}

// ── read loop and reconnection ──────────────────────────────────

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			closed := rc.closed
			if rc.conn == conn {
				rc.conn = nil
				rc.state = StateDisconnected
			}
			rc.mu.Unlock()

			if closed {
				return
			}

			rc.log.Debug().Err(err).Msg("realtime connection dropped")
			rc.invalidateToken()
			if rc.OnDisconnected != nil {
				rc.OnDisconnected(err.Error())
			}
			if rc.recon.shouldReconnect() {
				rc.scheduleReconnect()
			} else {
				rc.log.Warn().Msg("reconnect attempts exhausted; realtime disabled until next login")
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if rc.OnEnvelope != nil {
			rc.OnEnvelope(env)
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	delay := rc.recon.nextDelay()
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.state = StateReconnecting
	rc.mu.Unlock()

	rc.log.Debug().Dur("delay", delay).Int("attempt", rc.recon.attempt).
		Msg("realtime reconnecting")
	time.Sleep(delay)

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.state = StateDisconnected
	rc.mu.Unlock()

	err := rc.Connect(context.Background())
	if err != nil && !errors.Is(err, ErrClosed) {
		if rc.recon.shouldReconnect() {
			rc.scheduleReconnect()
			return
		}
		rc.setDisconnected()
		rc.log.Warn().Err(err).Msg("reconnect attempts exhausted; realtime disabled until next login")
	}
}

func (rc *RealtimeClient) setDisconnected() {
	rc.mu.Lock()
	rc.state = StateDisconnected
	rc.mu.Unlock()
}

func wsBaseURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}
