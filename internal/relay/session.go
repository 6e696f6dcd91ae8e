package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ava-doorbell/relay/internal/audit"
	"github.com/ava-doorbell/relay/internal/backchannel"
	"github.com/ava-doorbell/relay/internal/config"
	"github.com/ava-doorbell/relay/internal/dsp"
	"github.com/ava-doorbell/relay/internal/metrics"
	"github.com/ava-doorbell/relay/internal/upstream"
)

const (
	maxInboundFrameBytes = 65536
	pingInterval         = 20 * time.Second
	pongTimeout          = 10 * time.Second

	// Normal audio cadence is ~25 frames/sec (40ms chunks); these limits
	// are sized generously above that so the bucket only engages against
	// a misbehaving or malicious client.
	inboundFrameRateLimit = 100
	inboundFrameBurst     = 100
)

// connectOutcome is delivered over a channel from the worker goroutine
// running the blocking RTSP handshake back to the session's event loop,
// the Go equivalent of an awaitable handle completing.
type connectOutcome struct {
	err error
}

// statusMessage is the JSON shape of a server->client status text frame.
type statusMessage struct {
	Status  string `json:"status"`
	RetryIn int    `json:"retry_in,omitempty"`
}

// Session owns one WebSocket connection's DSP state and backchannel
// retry/backoff state machine. It is created on WebSocket accept and
// destroyed on close; nothing here is shared across sessions.
type Session struct {
	id         string
	remoteAddr string
	logger     *slog.Logger

	ws  *websocket.Conn
	cfg *config.RelayConfig

	cond       *dsp.Conditioner
	bc         *backchannel.Client
	upstreamC  *upstream.Client
	streamName string

	metricsC *metrics.Collector
	auditLog *audit.Log

	writeMu sync.Mutex
	retry   retryState
	limiter *rate.Limiter

	// connecting is true while a connect (or upstream-reset-then-connect)
	// attempt is in flight, so a new audio frame does not start a second
	// overlapping attempt. Touched only from the Run goroutine.
	connecting bool

	// connResultCh carries connect outcomes (direct or via an upstream
	// reset) back to Run's event loop. Sending on it is safe from any
	// goroutine; only Run ever receives from it.
	connResultCh chan connectOutcome
}

// NewSession constructs a Session for an accepted WebSocket connection.
func NewSession(id, remoteAddr string, ws *websocket.Conn, cfg *config.RelayConfig, mc *metrics.Collector, al *audit.Log) *Session {
	return &Session{
		id:         id,
		remoteAddr: remoteAddr,
		logger:     slog.With("session_id", id, "remote_addr", remoteAddr),
		ws:         ws,
		cfg:        cfg,
		cond:       dsp.New(),
		bc: backchannel.New(backchannel.Config{
			Host:     cfg.Doorbell.IP,
			Port:     cfg.Doorbell.RTSPPort,
			Username: cfg.Doorbell.Username,
			Password: cfg.Doorbell.Password,
		}),
		upstreamC:    upstream.NewClient(cfg.Server.UpstreamAPIBase),
		streamName:   cfg.StreamName,
		metricsC:     mc,
		auditLog:     al,
		limiter:      rate.NewLimiter(inboundFrameRateLimit, inboundFrameBurst),
		connResultCh: make(chan connectOutcome, 1),
	}
}

// Run drives the session's event loop until the WebSocket closes or fails.
// It never returns an error; all failures end the session and clean up.
func (s *Session) Run() {
	defer s.cleanup()

	s.ws.SetReadLimit(maxInboundFrameBytes)
	s.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})

	frameCh := make(chan []byte, 8)
	doneCh := make(chan struct{})
	go s.readLoop(frameCh, doneCh)

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			s.onFrame(data)

		case res := <-s.connResultCh:
			s.connecting = false
			s.onConnectResult(res)

		case <-pingTicker.C:
			s.writeMu.Lock()
			err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}

		case <-doneCh:
			return
		}
	}
}

// readLoop is the sole reader of the WebSocket connection, per gorilla's
// single-reader requirement; it forwards binary frames and stops on any
// read error (including the oversized-frame case, which closes the
// connection per the 65536-byte limit).
func (s *Session) readLoop(frameCh chan<- []byte, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer close(frameCh)
	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		frameCh <- data
	}
}

// onFrame dispatches one inbound binary frame by its format tag, runs the
// audio path if applicable, and drives the retry state machine when the
// backchannel is not currently connected.
func (s *Session) onFrame(data []byte) {
	if len(data) < 1 {
		return
	}
	if !s.limiter.Allow() {
		s.logger.Warn("inbound frame rate limit exceeded, dropping frame")
		return
	}
	tag, payload := data[0], data[1:]

	var alawBytes []byte
	switch tag {
	case formatPCM16:
		alawBytes = s.cond.Process(decodePCM16LE(payload))
	case formatALawPassthrough:
		alawBytes = payload
	default:
		s.logger.Warn("dropping frame with unknown format tag", "tag", tag)
		return
	}

	if s.bc.Connected() {
		if s.bc.Send(alawBytes) {
			s.metricsC.IncRTPPacketsSent()
		} else {
			s.logger.Warn("backchannel send failed, will reconnect on next audio")
		}
		return
	}

	if s.retry.gaveUp {
		return
	}
	now := time.Now()
	if now.Before(s.retry.backoffUntil) {
		return
	}
	if s.connecting {
		return
	}

	s.connecting = true
	s.sendStatus(statusMessage{Status: "backchannel_connecting"})
	s.auditLog.Record(s.id, "connecting", "")
	go func() {
		err := s.bc.Connect()
		s.connResultCh <- connectOutcome{err: err}
	}()
}

// onConnectResult processes the outcome of a connect attempt (whether it
// followed an audio frame directly or an upstream reset), advancing the
// retry state machine and notifying the client.
func (s *Session) onConnectResult(res connectOutcome) {
	if res.err == nil {
		s.retry.onSuccess()
		s.sendStatus(statusMessage{Status: "backchannel_ready"})
		s.auditLog.Record(s.id, "connect_ok", "")
		return
	}

	var cerr *backchannel.ConnectError
	kind := backchannel.Exception
	if errors.As(res.err, &cerr) {
		kind = cerr.Kind
	}
	s.metricsC.IncBackchannelFailure()
	s.auditLog.Record(s.id, "connect_failed:"+string(kind), res.err.Error())

	backoff, triggerReset, gaveUp := s.retry.onFailure(kind, time.Now())
	if gaveUp {
		s.metricsC.IncSessionGaveUp()
		s.sendStatus(statusMessage{Status: "backchannel_unavailable"})
		s.auditLog.Record(s.id, "gave_up", "")
		return
	}

	s.sendStatus(statusMessage{Status: "backchannel_failed", RetryIn: int(backoff.Seconds())})

	if triggerReset {
		s.connecting = true
		go s.runUpstreamReset()
	}
}

// runUpstreamReset invokes the upstream-reset helper and then attempts a
// fresh connect, whose outcome is delivered back to the event loop exactly
// like a direct connect attempt. If the reset unwedged the doorbell, this
// is the "proceed to the success action" path.
func (s *Session) runUpstreamReset() {
	s.auditLog.Record(s.id, "reset_issued", "")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := s.upstreamC.Reset(ctx, s.streamName); err != nil {
		s.logger.Warn("upstream reset failed", "error", err)
	} else {
		s.metricsC.IncUpstreamReset()
		s.auditLog.Record(s.id, "reset_recovered", "")
	}

	err := s.bc.Connect()
	s.connResultCh <- connectOutcome{err: err}
}

func (s *Session) sendStatus(msg statusMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.WriteMessage(websocket.TextMessage, data)
}

// cleanup tears down the backchannel (TEARDOWN + socket close) if it is
// open, matching the graceful-teardown scenario.
func (s *Session) cleanup() {
	if s.bc.Connected() {
		s.bc.Close()
	}
	s.auditLog.Record(s.id, "closed", "")
}
