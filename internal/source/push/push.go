// Package push implements the NWWS-OI (Weather Wire) XMPP multi-user-chat
// feed, spec.md §4.2: the lower-latency of the two ingestion sources,
// reconnecting with capped exponential backoff on any disconnect.
package push

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/dial"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/observability"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/parser"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/store"
)

// Config holds the NWWS-OI connection parameters spec.md §6's NWWS_* env
// vars supply.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Room     string
	Nickname string
}

// authError marks a failure during SASL credential negotiation rather
// than a transient transport drop. Unlike every other runOnce failure,
// this is not worth retrying: the credentials will not fix themselves
// between reconnect attempts, so Run escalates it instead of retrying
// forever under backoff.
type authError struct {
	err error
}

func (e *authError) Error() string { return "push: authentication failed: " + e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

// room is the narrow surface push needs from a live MUC session: read the
// next message body, or tear the connection down. Isolating it behind an
// interface keeps the reconnect/backoff logic (the part worth testing)
// independent of the real XMPP dial, which a fake implements in tests.
type room interface {
	Next(ctx context.Context) (body string, err error)
	Close() error
}

// Source joins the NWWS-OI MUC room and feeds every groupchat message it
// receives through the parser, reconnecting on failure with capped
// exponential backoff.
type Source struct {
	cfg        Config
	store      *store.Store
	parserOpts parser.Options
	metrics    *observability.Metrics
	logger     *slog.Logger

	dial         func(ctx context.Context, cfg Config) (room, error)
	backoffInit  time.Duration
	backoffMax   time.Duration
	fatal        chan error

	connected atomic.Bool
	received  atomic.Uint64
}

// New builds a Push Source against cfg, dialing real XMPP sessions.
func New(cfg Config, s *store.Store, parserOpts parser.Options, m *observability.Metrics, logger *slog.Logger) *Source {
	return &Source{
		cfg:         cfg,
		store:       s,
		parserOpts:  parserOpts,
		metrics:     m,
		logger:      logger,
		dial:        dialRoom,
		backoffInit: 2 * time.Second,
		backoffMax:  60 * time.Second,
		fatal:       make(chan error, 1),
	}
}

// Connected reports whether the MUC session is currently joined, for the
// /health sources.push flag.
func (s *Source) Connected() bool {
	return s.connected.Load()
}

// Fatal reports an unrecoverable error — currently, XMPP authentication
// failure — that ends the reconnect loop instead of being retried under
// backoff. The process supervisor should treat a value here as fatal.
func (s *Source) Fatal() <-chan error {
	return s.fatal
}

// Received returns the number of raw products received since start, for
// diagnostics.
func (s *Source) Received() uint64 {
	return s.received.Load()
}

// Run connects and reads messages until ctx is cancelled, reconnecting
// with capped exponential backoff (initial 2s, cap 60s, multiplier 2,
// full jitter) on any disconnect.
func (s *Source) Run(ctx context.Context) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.backoffInit
	eb.MaxInterval = s.backoffMax
	eb.Multiplier = 2
	eb.RandomizationFactor = 0 // jitter is applied to the capped delay below
	eb.MaxElapsedTime = 0      // never give up; retry forever at the capped interval

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			s.connected.Store(false)
			if s.metrics != nil {
				s.metrics.PushConnected.Set(0)
			}
			var authErr *authError
			if errors.As(err, &authErr) {
				s.logger.Error("push source authentication failed, not retrying", "error", err)
				select {
				case s.fatal <- err:
				default:
				}
				return
			}
			if s.metrics != nil {
				s.metrics.PushReconnects.Inc()
			}
			delay := eb.NextBackOff()
			if delay == backoff.Stop {
				delay = s.backoffMax
			}
			// Full jitter: wait a uniformly random duration in [0, delay].
			delay = time.Duration(rand.Int63n(int64(delay) + 1))
			s.logger.Warn("push source disconnected, reconnecting", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		eb.Reset()
	}
}

// runOnce dials, joins the room, and reads messages until the connection
// drops or ctx is cancelled (a clean cancellation returns nil).
func (s *Source) runOnce(ctx context.Context) error {
	r, err := s.dial(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("push: dial: %w", err)
	}
	defer r.Close()

	s.connected.Store(true)
	if s.metrics != nil {
		s.metrics.PushConnected.Set(1)
	}
	s.logger.Info("push source joined room", "room", s.cfg.Room)

	for {
		body, err := r.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("push: read: %w", err)
		}
		if body == "" {
			continue
		}
		s.received.Add(1)
		if s.metrics != nil {
			s.metrics.PushMessagesRecv.Inc()
		}
		s.handleRaw(body)
	}
}

func (s *Source) handleRaw(raw string) {
	alerts, err := parser.Parse(raw, "push", s.parserOpts)
	if err != nil {
		s.logger.Warn("push source parse failure", "error", err)
		if s.metrics != nil {
			if pe, ok := asParseError(err); ok {
				s.metrics.ParseErrors.WithLabelValues(string(pe.Mode)).Inc()
			}
		}
		return
	}
	if s.metrics != nil {
		s.metrics.ParseSuccess.Inc()
	}
	for _, a := range alerts {
		s.store.Upsert(a)
	}
}

func asParseError(err error) (*parser.ParseError, bool) {
	pe, ok := err.(*parser.ParseError)
	return pe, ok
}

// xmppRoom adapts a live mellium.im/xmpp session and MUC channel to room.
type xmppRoom struct {
	session *xmpp.Session
	channel *muc.Channel
	nick    string
	msgs    chan string
	errs    chan error
}

func (x *xmppRoom) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case body := <-x.msgs:
		return body, nil
	case err := <-x.errs:
		return "", err
	}
}

func (x *xmppRoom) Close() error {
	if x.channel != nil {
		_ = x.channel.Leave(context.Background(), "")
	}
	return x.session.Close()
}

// dialRoom opens a TLS XMPP session to the NWWS-OI server and joins the
// configured MUC room, grounded on nwws_client.py's slixmpp.ClientXMPP
// setup (SASL PLAIN, XEP-0045 MUC join, groupchat message dispatch).
func dialRoom(ctx context.Context, cfg Config) (room, error) {
	nick := cfg.Nickname
	if nick == "" {
		nick = "AlertDashboard"
	}

	localJID, err := jid.Parse(fmt.Sprintf("%s@%s/nwws", cfg.Username, cfg.Host))
	if err != nil {
		return nil, fmt.Errorf("parse client jid: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := dial.Client(ctx, "tcp", localJID)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	session, err := xmpp.NewSession(ctx, localJID.Domain(), localJID, conn, 0,
		xmpp.NewNegotiator(xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(&tls.Config{ServerName: localJID.Domain().String()}),
				xmpp.SASL("", cfg.Password, sasl.Plain),
				xmpp.BindResource(),
			},
		}),
	)
	if err != nil {
		return nil, &authError{err: fmt.Errorf("negotiate session: %w", err)}
	}

	roomJID, err := jid.Parse(cfg.Room)
	if err != nil {
		return nil, fmt.Errorf("parse room jid: %w", err)
	}

	xr := &xmppRoom{session: session, nick: nick, msgs: make(chan string, 64), errs: make(chan error, 1)}

	mucClient := muc.NewClient(muc.HandleClient(muc.MessageHandler(func(m stanza.Message, msg muc.Message, sent bool) {
		if sent || msg.Body == "" {
			return
		}
		select {
		case xr.msgs <- msg.Body:
		default:
		}
	})))

	occupantJID, err := jid.Parse(roomJID.Bare().String() + "/" + nick)
	if err != nil {
		return nil, fmt.Errorf("build occupant jid: %w", err)
	}

	channel, err := mucClient.Join(ctx, occupantJID, session)
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", cfg.Room, err)
	}
	xr.channel = channel

	go func() {
		if err := session.Serve(mucClient); err != nil {
			select {
			case xr.errs <- err:
			default:
			}
		}
	}()

	return xr, nil
}
