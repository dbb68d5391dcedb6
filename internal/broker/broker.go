// Package broker is the C9 transport listener: it accepts websocket
// connections, drives the pre-auth handshake, and wires credentials,
// admission, the container supervisor and the stream pump together into
// one per-session lifecycle. Grounded on the teacher's
// internal/relay/pty_relay.go (handlePTYWS) for the connection-handling
// shape, generalized from the teacher's wing-routing model (browser talks
// to a remote wing process) to the broker's own container-per-session
// model — there is no second hop here, the broker terminates the
// transport itself.
package broker

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/shellbox/broker/internal/config"
	"github.com/shellbox/broker/internal/container"
	"github.com/shellbox/broker/internal/credentials"
	"github.com/shellbox/broker/internal/logger"
	"github.com/shellbox/broker/internal/ratelimit"
	"github.com/shellbox/broker/internal/security"
	"github.com/shellbox/broker/internal/session"
	"github.com/shellbox/broker/internal/stream"
)

// preAuthDeadline bounds the first message on a new connection, per
// spec.md §4.C9 step 1 ("Awaits the first message ... under a short
// deadline; times out to rejected").
const preAuthDeadline = 5 * time.Second

// Server wires C3 through C8 into one listener. One Server serves the
// whole broker process; nothing here is a package-level singleton, per
// spec.md §9 (each dependency is constructed and passed in).
type Server struct {
	cfg           config.Config
	registry      *session.Registry
	ipLimiter     *ratelimit.Limiter
	resumeLimiter *ratelimit.Limiter
	supervisor    container.Supervisor
	bandwidth     *ratelimit.BandwidthShaper
	posture       *security.Posture

	reapStop chan struct{}
	reapWG   sync.WaitGroup
}

func NewServer(cfg config.Config, registry *session.Registry, ipLimiter, resumeLimiter *ratelimit.Limiter, supervisor container.Supervisor, bandwidth *ratelimit.BandwidthShaper, posture *security.Posture) *Server {
	s := &Server{
		cfg:           cfg,
		registry:      registry,
		ipLimiter:     ipLimiter,
		resumeLimiter: resumeLimiter,
		supervisor:    supervisor,
		bandwidth:     bandwidth,
		posture:       posture,
		reapStop:      make(chan struct{}),
	}
	s.reapWG.Add(1)
	go s.reapLoop()
	s.reapWG.Add(1)
	go s.eventLoop()
	return s
}

// Close stops the background reaper and event loops. It does not close
// in-flight connections; the caller's HTTP server shutdown does that.
func (s *Server) Close() {
	close(s.reapStop)
	s.reapWG.Wait()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		logger.Warn("broker: websocket accept failed", "error", err)
		return
	}
	ip := ratelimit.ClientIP(r)
	userAgent := r.UserAgent()
	go s.handleConnection(conn, ip, userAgent)
}

// rejectWithError sends the client-visible {type:"status",payload:"error"}
// envelope from spec.md §7 ahead of the close frame, so clients that only
// surface WebSocket close reasons loosely (or truncate them) still get the
// structured reason. Best-effort: a write failure here doesn't block the
// close that follows.
func (s *Server) rejectWithError(client *wsClientConn, code closeCode, reason string) {
	if b, err := json.Marshal(errorEnvelope{Type: "status", Payload: "error", Reason: reason}); err == nil {
		client.WriteMessage(b, true)
	}
	client.closeWithCode(code, reason)
}

func (s *Server) handleConnection(conn *websocket.Conn, ip, userAgent string) {
	defer conn.CloseNow()
	client := newWSClientConn(conn)

	if s.cfg.EnableConnectionThrottling && !s.ipLimiter.Allow(ip) {
		s.rejectWithError(client, ClosePolicy, "rate limited")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), preAuthDeadline)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		s.rejectWithError(client, ClosePolicy, "pre-auth read timeout")
		return
	}
	if typ != websocket.MessageText {
		s.rejectWithError(client, CloseInvalidCredentials, "first message must be the auth envelope")
		return
	}

	var env authEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.rejectWithError(client, CloseInvalidCredentials, "malformed auth envelope")
		return
	}

	if env.SessionID != "" {
		s.handleResume(client, env, ip, userAgent)
		return
	}
	s.handleNewSession(client, env, ip, userAgent)
}

func (s *Server) handleNewSession(client *wsClientConn, env authEnvelope, ip, userAgent string) {
	payload := credentials.Payload{APIKey: env.APIKey, AccessToken: env.AccessToken}
	if env.PasskeyAssertion != nil {
		payload.PasskeyAssertion = &credentials.PasskeyAssertion{
			CredentialID: env.PasskeyAssertion.CredentialID,
			RawResponse:  env.PasskeyAssertion.RawResponse,
		}
	}

	result, err := credentials.Validate(payload)
	credentials.Zeroise(&payload)
	if err != nil {
		s.rejectWithError(client, CloseInvalidCredentials, err.Error())
		return
	}

	if err := s.registry.Admit(result.Class); err != nil {
		s.rejectWithError(client, ClosePolicy, "admission denied")
		return
	}

	sessionID := uuid.New().String()
	sess := session.New(sessionID, s.cfg.OutputBufferMaxBytes, s.cfg.OutputBufferMaxLines)
	sess.CredentialHash = result.Hash
	sess.Class = result.Class
	sess.ClientFingerprint = fingerprint(ip, userAgent)

	if err := s.registry.Register(sess, result.Class); err != nil {
		s.rejectWithError(client, ClosePolicy, "admission denied")
		return
	}

	fsm := session.NewFSM(sess)
	fsm.Apply(session.EventAuthReceived)
	fsm.Apply(session.EventAdmissionGranted)

	ctx := context.Background()
	ref, err := s.supervisor.Create(ctx, s.containerSpec(sessionID, result.Hash))
	if err != nil {
		fsm.Apply(session.EventFatalError)
		s.registry.Unregister(sessionID)
		s.rejectWithError(client, ClosePolicy, "container unavailable")
		return
	}
	sess.ContainerRef = session.ContainerRef{ID: ref.ID}

	attached, err := s.supervisor.Attach(ctx, ref)
	if err != nil {
		fsm.Apply(session.EventFatalError)
		s.supervisor.Destroy(ctx, ref, "attach failed")
		s.registry.Unregister(sessionID)
		s.rejectWithError(client, ClosePolicy, "container unavailable")
		return
	}
	fsm.Apply(session.EventContainerReady)

	resizeFn := func(ctx context.Context, cols, rows int) error {
		return s.supervisor.Resize(ctx, ref, cols, rows)
	}
	pump := stream.New(stream.ModeRawTTY, sessionID, sess.OutputBuffer, resizeFn, s.bandwidth, int(CloseUserExit), s.onContainerExit(sess, fsm, ref))
	sess.Pump = pump

	notifying := &disconnectingClientConn{wsClientConn: client, sess: sess, onDisconnect: s.onClientDisconnect(sess, fsm, ref)}
	if err := pump.Attach(ctx, notifying, attached); err != nil {
		logger.Warn("broker: pump attach failed", "sessionId", sessionID, "error", err)
	}
}

func (s *Server) handleResume(client *wsClientConn, env authEnvelope, ip, userAgent string) {
	sess, ok := s.registry.Get(env.SessionID)
	if !ok {
		s.rejectWithError(client, CloseInvalidSession, "unknown session")
		return
	}
	fsm := session.NewFSM(sess)
	if fsm.State() != session.StateOrphaned {
		s.rejectWithError(client, CloseInvalidSession, "session not resumable")
		return
	}
	if !s.resumeLimiter.Allow(env.SessionID) {
		s.rejectWithError(client, ClosePolicy, "resume rate limited")
		return
	}
	resumeToken := env.AccessToken
	if env.PasskeyAssertion != nil {
		id, err := credentials.VerifyAssertion(credentials.PasskeyAssertion{
			CredentialID: env.PasskeyAssertion.CredentialID,
			RawResponse:  env.PasskeyAssertion.RawResponse,
		})
		if err != nil {
			s.rejectWithError(client, CloseResumeDenied, "credential mismatch")
			return
		}
		resumeToken = id
	}
	if !fsm.ResumeAuthorize(env.APIKey, resumeToken) {
		s.rejectWithError(client, CloseResumeDenied, "credential mismatch")
		return
	}
	if !sess.TryBeginAttach() {
		s.rejectWithError(client, ClosePolicy, "attach already in progress")
		return
	}
	defer sess.EndAttach()

	ctx := context.Background()
	ref := container.Ref{ID: sess.ContainerRef.ID}
	attached, err := s.supervisor.Attach(ctx, ref)
	if err != nil {
		s.rejectWithError(client, ClosePolicy, "container unavailable")
		return
	}
	fsm.Apply(session.EventResumeGranted)
	// Advisory only, per SPEC_FULL.md §6: a changed fingerprint is logged
	// (hashes only) but never rejects the resume.
	newFingerprint := fingerprint(ip, userAgent)
	if newFingerprint != sess.ClientFingerprint {
		logger.Warn("broker: client fingerprint changed on resume", "sessionId", sess.ID,
			"oldFingerprint", fmt.Sprintf("%x", sess.ClientFingerprint), "newFingerprint", fmt.Sprintf("%x", newFingerprint))
	}
	sess.ClientFingerprint = newFingerprint

	notifying := &disconnectingClientConn{wsClientConn: client, sess: sess, onDisconnect: s.onClientDisconnect(sess, fsm, ref)}
	if err := sess.Pump.Attach(ctx, notifying, attached); err != nil {
		logger.Warn("broker: resume pump attach failed", "sessionId", sess.ID, "error", err)
	}
}

// onContainerExit is invoked by the pump at most once per genuine
// container closure, per stream.New's onTerminate contract.
func (s *Server) onContainerExit(sess *session.Session, fsm *session.FSM, ref container.Ref) func(reason string) {
	return func(reason string) {
		fsm.Apply(session.EventContainerExit) // always terminal
		ctx, cancel := context.WithTimeout(context.Background(), container.DestroyTimeout+time.Second)
		defer cancel()
		s.supervisor.Destroy(ctx, ref, reason)
		s.registry.Unregister(sess.ID)
		s.cleanupLimiters(sess.ID)
	}
}

// cleanupLimiters drops a terminated session's per-session rate-limiter
// state, per spec.md §4.C4's "reset on graceful session close" for the
// resume counter, and so the bandwidth shaper's per-session limiter map
// doesn't grow unboundedly across session churn.
func (s *Server) cleanupLimiters(sessionID string) {
	s.resumeLimiter.Reset(sessionID)
	if s.bandwidth != nil {
		s.bandwidth.Forget(sessionID)
	}
}

// onClientDisconnect drives the class-dependent attached->orphaned/terminal
// transition; for anonymous sessions (terminal) the container is destroyed
// immediately, for authenticated ones (orphaned) it is left running for the
// reaper to either resume-attach or grace-reap.
func (s *Server) onClientDisconnect(sess *session.Session, fsm *session.FSM, ref container.Ref) func() {
	return func() {
		state, err := fsm.Apply(session.EventClientDisconnect)
		if err != nil {
			return // already terminal via container exit racing the same disconnect
		}
		sess.Pump.Detach(stream.Normal)
		if state == session.StateTerminal {
			ctx, cancel := context.WithTimeout(context.Background(), container.DestroyTimeout+time.Second)
			defer cancel()
			s.supervisor.Destroy(ctx, ref, "client disconnected, anonymous session")
			s.registry.Unregister(sess.ID)
			s.cleanupLimiters(sess.ID)
		}
	}
}

func (s *Server) containerSpec(sessionID string, hash credentials.Hash) container.Spec {
	networkName := s.posture.Status.NetworkName
	return container.Spec{
		SessionID:       sessionID,
		CredentialHash:  fmt.Sprintf("%x", hash),
		Image:           s.cfg.ContainerImage,
		NetworkName:     networkName,
		MemoryBytes:     s.cfg.ContainerMemoryBytes,
		PidsLimit:       s.cfg.ContainerPidsLimit,
		CPUs:            s.cfg.ContainerCPUs,
		SeccompProfile:  s.posture.Status.SeccompProfile,
		AppArmorProfile: s.posture.Status.AppArmorProfile,
		TTY:             true,
		ProxyPort:       s.posture.ProxyPort(),
	}
}

// fingerprint hashes the normalised client IP and user-agent, per spec.md
// §3's clientFingerprint definition. MD5 is used only as a 16-byte
// non-cryptographic fingerprint, never for anything security-sensitive
// (the credential hash uses SHA-256 instead).
func fingerprint(ip, userAgent string) [16]byte {
	return md5.Sum([]byte(ip + "|" + userAgent))
}

// disconnectingClientConn wraps wsClientConn so the broker learns exactly
// once when the pump's own read loop observes the client going away —
// the pump itself only stops forwarding (stream.Pump.handleClientClosed),
// it does not know about the SessionFSM.
type disconnectingClientConn struct {
	*wsClientConn
	sess         *session.Session
	onDisconnect func()
	once         sync.Once
}

func (d *disconnectingClientConn) ReadMessage() ([]byte, bool, error) {
	data, isText, err := d.wsClientConn.ReadMessage()
	if err != nil {
		d.once.Do(d.onDisconnect)
		return data, isText, err
	}
	d.sess.TouchActivity()
	return data, isText, nil
}

// eventLoop consumes the container supervisor's exit events as a backstop
// for orphaned sessions: a session with no attached client has no pump
// read loop to observe the container's own EOF, so without this an
// orphaned session whose container died would sit until the grace period
// elapses instead of terminating immediately. Attached sessions are left
// alone here — the pump's own stream-close detection (onContainerExit)
// already handles those and does so exactly once.
func (s *Server) eventLoop() {
	defer s.reapWG.Done()
	for {
		select {
		case <-s.reapStop:
			return
		case ev, ok := <-s.supervisor.Events():
			if !ok {
				return
			}
			if !ev.Exited {
				continue
			}
			s.handleContainerEvent(ev)
		}
	}
}

func (s *Server) handleContainerEvent(ev container.Event) {
	sess := s.findByContainerID(ev.ContainerID)
	if sess == nil {
		return
	}
	fsm := session.NewFSM(sess)
	if fsm.State() != session.StateOrphaned {
		return
	}
	if _, err := fsm.Apply(session.EventContainerExit); err != nil {
		return
	}
	logger.Info("broker: orphaned session's container exited", "sessionId", sess.ID, "exitCode", ev.ExitCode)
	s.registry.Unregister(sess.ID)
	s.cleanupLimiters(sess.ID)
}

func (s *Server) findByContainerID(id string) *session.Session {
	for _, sess := range s.registry.All() {
		if sess.ContainerRef.ID == id {
			return sess
		}
	}
	return nil
}

// reapLoop periodically reclaims orphaned sessions past their grace period
// and attached sessions past their idle deadline, per spec.md §4.C8's
// "orphaned -> grace elapsed -> terminal" and "attached -> idle -> terminal"
// rows. Destroying the container here is sufficient to unwind the rest:
// the pump's outboundLoop observes the closed stream and fires onTerminate.
func (s *Server) reapLoop() {
	defer s.reapWG.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.reapStop:
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Server) reapOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), container.DestroyTimeout+time.Second)
	defer cancel()
	for _, sess := range s.registry.All() {
		fsm := session.NewFSM(sess)
		switch fsm.State() {
		case session.StateOrphaned:
			if time.Since(sess.OrphanedAt) > s.cfg.SessionOrphanGrace {
				fsm.Apply(session.EventGraceElapsed)
				s.supervisor.Destroy(ctx, container.Ref{ID: sess.ContainerRef.ID}, "orphan grace elapsed")
				s.registry.Unregister(sess.ID)
				s.cleanupLimiters(sess.ID)
			}
		case session.StateAttached:
			if sess.IdleFor() > s.cfg.SessionMaxIdle {
				fsm.Apply(session.EventIdleTimeout)
				s.supervisor.Destroy(ctx, container.Ref{ID: sess.ContainerRef.ID}, "idle timeout")
				s.registry.Unregister(sess.ID)
				s.cleanupLimiters(sess.ID)
			}
		}
	}
}
