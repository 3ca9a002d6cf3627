package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/fixctl/internal/dispatch"
	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/logging"
	"github.com/danmuck/fixctl/internal/observability"
	"github.com/danmuck/fixctl/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport is the byte sink of one connection.
type Transport interface {
	Write(p []byte) error
	Close() error
}

// Authenticator decides whether a Logon may proceed. Nil accepts everything.
type Authenticator interface {
	Authenticate(logon *fix.Message) error
}

// Publisher receives session events. *dispatch.Dispatcher implements it.
type Publisher interface {
	Publish(ev dispatch.Event)
	Close(id store.ID)
}

// SubState refines the active status.
type SubState int

const (
	SubStateNormal SubState = iota
	SubStateTestRequestPending
)

// Deps are the collaborators of a Machine.
type Deps struct {
	Repository    store.Repository
	Authenticator Authenticator
	Events        Publisher
	Transport     Transport
	Logger        *zerolog.Logger
	// Ticks receives supervisor ticks. Nil leaves ticking to the caller.
	Ticks func(time.Time)
	// OnActive runs on the owner goroutine once the session is logged on.
	OnActive func(store.ID)
}

type queued struct {
	msg  *fix.Message
	kind Kind
	// handled entries were already acted on and only hold their sequence slot.
	handled bool
}

// Machine is the session state machine of one connection.
type Machine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	status      store.Status
	sub         SubState
	id          store.ID
	state       *store.State
	dirty       bool
	hb          *heartbeat
	supervisor  *Supervisor
	connectedAt time.Time

	queue         map[int]queued
	resendPending bool
	gapEnd        int
	resetOnLogon  bool

	logonDeadline  time.Time
	logoutSent     bool
	logoutDeadline time.Time
	rejects        int

	done   bool
	reason error
}

func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Repository == nil {
		return nil, fmt.Errorf("%w: repository required", ErrInvalidConfig)
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("%w: transport required", ErrInvalidConfig)
	}
	logger := logging.Component("session")
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	m := &Machine{
		cfg:         cfg,
		deps:        deps,
		log:         logger.With().Str("role", string(cfg.Role)).Logger(),
		status:      store.StatusAwaitingLogon,
		queue:       make(map[int]queued),
		connectedAt: cfg.Now(),
	}
	if cfg.Role == RoleInitiator {
		m.id = store.ID{SenderCompID: cfg.SenderCompID, TargetCompID: cfg.TargetCompID}.Reverse()
	}
	return m, nil
}

func (m *Machine) ID() store.ID           { return m.id }
func (m *Machine) Status() store.Status   { return m.status }
func (m *Machine) SubState() SubState     { return m.sub }
func (m *Machine) Done() bool             { return m.done }
func (m *Machine) ResendPending() bool    { return m.resendPending }
func (m *Machine) Rejects() int           { return m.rejects }
func (m *Machine) now() time.Time         { return m.cfg.Now() }
func (m *Machine) Config() Config         { return m.cfg }
func (m *Machine) QueuedMessages() int    { return len(m.queue) }
func (m *Machine) Reason() error          { return m.reason }
func (m *Machine) Supervised() bool       { return m.supervisor != nil }
func (m *Machine) HeartbeatEnabled() bool { return m.hb.enabled() }

// State returns a copy of the claimed session state.
func (m *Machine) State() (store.State, bool) {
	if m.state == nil {
		return store.State{}, false
	}
	return *m.state, true
}

// Result is nil after a graceful logout and the terminal *Error otherwise.
func (m *Machine) Result() error {
	if !m.done || m.reason == nil || errors.Is(m.reason, ErrLoggedOut) {
		return nil
	}
	return m.reason
}

// Deadline is the next logon or logout deadline, zero when none applies.
func (m *Machine) Deadline() time.Time {
	var out time.Time
	for _, d := range []time.Time{m.logonDeadline, m.logoutDeadline} {
		if d.IsZero() {
			continue
		}
		if out.IsZero() || d.Before(out) {
			out = d
		}
	}
	return out
}

// Start arms the logon timeout. An initiator also claims its identity and
// sends Logon.
func (m *Machine) Start(ctx context.Context) error {
	if m.cfg.LogonTimeout > 0 {
		m.logonDeadline = m.now().Add(m.cfg.LogonTimeout)
	}
	if m.cfg.Role != RoleInitiator {
		return nil
	}

	state, err := m.deps.Repository.GetOrCreate(ctx, m.id)
	if err != nil {
		m.terminate(ctx, "start", err)
		return m.reason
	}
	m.state = state
	if m.cfg.ResetOnLogon {
		m.resetSequences()
		m.resetOnLogon = true
	}

	logon := fix.NewMessage(fix.MsgTypeLogon)
	logon.Body.SetInt(fix.TagEncryptMethod, 0)
	logon.Body.SetInt(fix.TagHeartBtInt, int(m.cfg.HeartbeatInterval/time.Second))
	if m.resetOnLogon {
		logon.Body.SetBool(fix.TagResetSeqNumFlag, true)
	}
	if m.cfg.Username != "" {
		logon.Body.Set(fix.TagUsername, m.cfg.Username)
	}
	if m.cfg.Password != "" {
		logon.Body.Set(fix.TagPassword, m.cfg.Password)
	}
	if err := m.send(ctx, logon); err != nil {
		return err
	}
	m.log.Info().Str("session", m.id.String()).Msg("session.Machine.Start logon sent")
	m.flush(ctx)
	return nil
}

// HandleFrame decodes one raw message and applies it.
func (m *Machine) HandleFrame(ctx context.Context, raw []byte) {
	if m.done {
		return
	}
	msg, err := fix.Decode(raw)
	if err != nil {
		m.HandleMalformed(ctx, err)
		return
	}
	m.Handle(ctx, msg)
}

// HandleMalformed reacts to bytes that could not be framed or decoded.
func (m *Machine) HandleMalformed(ctx context.Context, cause error) {
	if m.done {
		return
	}
	err := fmt.Errorf("%w: %v", ErrMalformed, cause)
	if m.status == store.StatusActive {
		m.log.Warn().Str("session", m.id.String()).Err(cause).Msg("session.Machine malformed message while active")
		m.sendLogout(ctx, "malformed message")
	} else {
		m.log.Warn().Err(cause).Msg("session.Machine malformed message before logon")
	}
	m.terminate(ctx, "decode", err)
}

// Handle applies one decoded inbound message.
func (m *Machine) Handle(ctx context.Context, msg *fix.Message) {
	if m.done {
		return
	}
	observability.RecordMessage(observability.DirectionInbound, string(msg.Type()))
	switch m.status {
	case store.StatusAwaitingLogon:
		if m.cfg.Role == RoleInitiator {
			m.handleLogonReply(ctx, msg)
		} else {
			m.acceptLogon(ctx, msg)
		}
	case store.StatusActive:
		m.handleActive(ctx, msg)
	}
	m.flush(ctx)
}

func (m *Machine) acceptLogon(ctx context.Context, msg *fix.Message) {
	if Classify(msg) != KindLogon {
		m.log.Warn().Str("msg_type", string(msg.Type())).Msg("session.Machine.acceptLogon first message is not Logon")
		m.terminate(ctx, "logon", ErrLogonRequired)
		return
	}
	if err := fix.Validate(msg); err != nil {
		m.terminate(ctx, "logon", fmt.Errorf("%w: %v", ErrMalformed, err))
		return
	}
	id := store.ID{SenderCompID: msg.SenderCompID(), TargetCompID: msg.TargetCompID()}
	if err := id.Validate(); err != nil {
		m.terminate(ctx, "logon", fmt.Errorf("%w: %v", ErrMalformed, err))
		return
	}
	m.id = id
	log := m.log.With().Str("session", id.String()).Logger()

	if m.cfg.SenderCompID != "" && id.TargetCompID != m.cfg.SenderCompID {
		log.Warn().Str("target", id.TargetCompID).Msg("session.Machine.acceptLogon unknown TargetCompID")
		m.rejectLogon(ctx, "unknown TargetCompID", fmt.Errorf("%w: target %q", ErrCompIDMismatch, id.TargetCompID))
		return
	}
	if m.deps.Authenticator != nil {
		if err := m.deps.Authenticator.Authenticate(msg); err != nil {
			log.Warn().Err(err).Msg("session.Machine.acceptLogon authentication rejected")
			m.rejectLogon(ctx, "authentication failed", fmt.Errorf("%w: %v", ErrAuthRejected, err))
			return
		}
	}

	state, err := m.deps.Repository.GetOrCreate(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionActive) {
			log.Warn().Msg("session.Machine.acceptLogon session already active")
			m.rejectLogon(ctx, "session already active", err)
			return
		}
		log.Error().Err(err).Msg("session.Machine.acceptLogon claim failed")
		m.rejectLogon(ctx, "session store unavailable", err)
		return
	}
	m.state = state

	if msg.Body.GetBool(fix.TagResetSeqNumFlag) || m.cfg.ResetOnLogon {
		m.resetSequences()
		m.resetOnLogon = true
	}
	seq, _ := msg.SeqNum()
	if seq < m.state.NextInbound {
		log.Warn().Int("seq", seq).Int("expected", m.state.NextInbound).Msg("session.Machine.acceptLogon MsgSeqNum too low")
		observability.RecordLogon(string(m.cfg.Role), "rejected", 0)
		m.sendLogout(ctx, fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", m.state.NextInbound, seq))
		m.terminate(ctx, "logon", fmt.Errorf("%w: expecting %d received %d", ErrSeqTooLow, m.state.NextInbound, seq))
		return
	}

	heartBtInt, _ := msg.Body.GetInt(fix.TagHeartBtInt)
	ack := fix.NewMessage(fix.MsgTypeLogon)
	ack.Body.SetInt(fix.TagEncryptMethod, 0)
	ack.Body.SetInt(fix.TagHeartBtInt, heartBtInt)
	if m.resetOnLogon {
		ack.Body.SetBool(fix.TagResetSeqNumFlag, true)
	}
	m.activate(ctx, msg, seq, time.Duration(heartBtInt)*time.Second, ack)
}

// handleLogonReply processes the first inbound message of an initiator.
func (m *Machine) handleLogonReply(ctx context.Context, msg *fix.Message) {
	switch Classify(msg) {
	case KindLogon:
	case KindLogout:
		text := msg.Body.GetString(fix.TagText)
		m.log.Warn().Str("session", m.id.String()).Str("text", text).Msg("session.Machine logon refused by peer")
		m.terminate(ctx, "logon", fmt.Errorf("%w: %s", ErrLogonRejected, text))
		return
	default:
		m.terminate(ctx, "logon", ErrLogonRequired)
		return
	}
	if err := fix.Validate(msg); err != nil {
		m.terminate(ctx, "logon", fmt.Errorf("%w: %v", ErrMalformed, err))
		return
	}
	if msg.SenderCompID() != m.id.SenderCompID || msg.TargetCompID() != m.id.TargetCompID {
		m.sendLogout(ctx, "CompID problem")
		m.terminate(ctx, "logon", fmt.Errorf("%w: got %s->%s", ErrCompIDMismatch, msg.SenderCompID(), msg.TargetCompID()))
		return
	}
	seq, _ := msg.SeqNum()
	if msg.Body.GetBool(fix.TagResetSeqNumFlag) && !m.resetOnLogon {
		m.state.NextInbound = 1
		m.dirty = true
	}
	if seq < m.state.NextInbound {
		m.sendLogout(ctx, fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", m.state.NextInbound, seq))
		m.terminate(ctx, "logon", fmt.Errorf("%w: expecting %d received %d", ErrSeqTooLow, m.state.NextInbound, seq))
		return
	}
	m.activate(ctx, msg, seq, m.cfg.HeartbeatInterval, nil)
}

// activate moves a claimed session to active. ack is sent first when set.
func (m *Machine) activate(ctx context.Context, logon *fix.Message, seq int, interval time.Duration, ack *fix.Message) {
	now := m.now()
	m.logonDeadline = time.Time{}
	m.state.HeartbeatInterval = interval
	m.state.LastReceivedAt = now
	m.state.PendingTestRequests = 0
	m.dirty = true
	m.hb = newHeartbeat(interval, m.cfg.GraceWindow(interval), now)

	if ack != nil {
		if err := m.send(ctx, ack); err != nil {
			return
		}
	}
	m.status = store.StatusActive
	m.sub = SubStateNormal
	m.state.Status = store.StatusActive
	if seq == m.state.NextInbound {
		m.state.NextInbound++
	} else {
		m.queue[seq] = queued{msg: logon, kind: KindLogon, handled: true}
		m.requestResend(ctx, seq)
		if m.done {
			return
		}
	}

	m.log.Info().
		Str("session", m.id.String()).
		Dur("heartbeat", interval).
		Int("next_in", m.state.NextInbound).
		Int("next_out", m.state.NextOutbound).
		Msg("session.Machine logon accepted")
	observability.RecordLogon(string(m.cfg.Role), "accepted", now.Sub(m.connectedAt))
	m.publish(dispatch.EventLogon, logon.Clone(), nil)
	if m.deps.OnActive != nil {
		m.deps.OnActive(m.id)
	}
	if m.hb.enabled() && m.deps.Ticks != nil {
		m.supervisor = StartSupervisor(m.cfg.tickPeriod(interval), m.deps.Ticks)
	}
	m.flush(ctx)
}

// rejectLogon answers an unclaimed Logon with Logout and closes. The
// Logout is stamped with the stored outbound sequence without claiming.
func (m *Machine) rejectLogon(ctx context.Context, text string, reason error) {
	outcome := "rejected"
	if errors.Is(reason, store.ErrSessionActive) {
		outcome = "duplicate"
	}
	observability.RecordLogon(string(m.cfg.Role), outcome, 0)

	seq := 1
	if st, ok, err := m.deps.Repository.Get(ctx, m.id); err == nil && ok {
		seq = st.NextOutbound
	}
	logout := fix.NewMessage(fix.MsgTypeLogout)
	logout.Body.Set(fix.TagText, text)
	if err := m.write(logout, seq); err != nil {
		m.log.Debug().Err(err).Msg("session.Machine.rejectLogon logout write failed")
	}
	m.terminate(ctx, "logon", reason)
}

func (m *Machine) handleActive(ctx context.Context, msg *fix.Message) {
	if msg.SenderCompID() != m.id.SenderCompID || msg.TargetCompID() != m.id.TargetCompID {
		m.log.Warn().
			Str("session", m.id.String()).
			Str("got", msg.SenderCompID()+"->"+msg.TargetCompID()).
			Msg("session.Machine CompID mismatch")
		m.sendLogout(ctx, "CompID problem")
		m.terminate(ctx, "receive", ErrCompIDMismatch)
		return
	}
	seq, err := msg.SeqNum()
	if err != nil {
		m.HandleMalformed(ctx, err)
		return
	}
	kind := Classify(msg)
	if err := fix.Validate(msg); err != nil {
		m.HandleMalformed(ctx, err)
		return
	}

	if kind == KindSequenceReset && !msg.Body.GetBool(fix.TagGapFillFlag) {
		m.touch()
		m.sequenceReset(ctx, msg, seq)
		return
	}

	expected := m.state.NextInbound
	switch {
	case seq == expected:
		m.touch()
		m.state.NextInbound++
		m.process(ctx, msg, kind, seq)
		m.drain(ctx)
	case seq > expected:
		m.touch()
		m.ahead(ctx, msg, kind, seq)
	default:
		if msg.PossDup() || msg.PossResend() {
			m.touch()
			observability.RecordSequenceEvent("replay")
			m.log.Debug().Str("session", m.id.String()).Int("seq", seq).Int("expected", expected).Msg("session.Machine replayed message ignored")
			return
		}
		observability.RecordSequenceEvent("stale")
		m.log.Warn().
			Str("session", m.id.String()).
			Int("seq", seq).
			Int("expected", expected).
			Msg("session.Machine sequence violation: stale message without PossDupFlag")
	}
}

// ahead handles a message above the expected sequence.
func (m *Machine) ahead(ctx context.Context, msg *fix.Message, kind Kind, seq int) {
	if kind == KindLogout {
		m.process(ctx, msg, kind, seq)
		return
	}
	if _, dup := m.queue[seq]; dup {
		return
	}
	if len(m.queue) >= m.cfg.MaxQueuedMessages {
		observability.RecordSequenceEvent("queue_overflow")
		m.sendLogout(ctx, "too many out-of-order messages")
		m.terminate(ctx, "receive", ErrQueueOverflow)
		return
	}
	if kind == KindResendRequest {
		m.process(ctx, msg, kind, seq)
		if m.done {
			return
		}
		m.queue[seq] = queued{msg: msg, kind: kind, handled: true}
	} else {
		m.queue[seq] = queued{msg: msg, kind: kind}
	}
	if !m.resendPending {
		observability.RecordSequenceEvent("gap")
		m.log.Info().
			Str("session", m.id.String()).
			Int("seq", seq).
			Int("expected", m.state.NextInbound).
			Msg("session.Machine sequence gap")
	}
	m.requestResend(ctx, seq)
}

// drain processes queued messages that are now in sequence.
func (m *Machine) drain(ctx context.Context) {
	for !m.done {
		for seq := range m.queue {
			if seq < m.state.NextInbound {
				delete(m.queue, seq)
			}
		}
		next, ok := m.queue[m.state.NextInbound]
		if !ok {
			break
		}
		seq := m.state.NextInbound
		delete(m.queue, seq)
		m.state.NextInbound++
		m.dirty = true
		if next.handled {
			continue
		}
		m.process(ctx, next.msg, next.kind, seq)
	}
	if m.resendPending && len(m.queue) == 0 && m.state.NextInbound > m.gapEnd {
		m.resendPending = false
		m.log.Info().Str("session", m.id.String()).Int("next_in", m.state.NextInbound).Msg("session.Machine gap closed")
	}
}

// process acts on an in-sequence (or immediately handled) message.
func (m *Machine) process(ctx context.Context, msg *fix.Message, kind Kind, seq int) {
	m.dirty = true
	switch kind {
	case KindHeartbeat:
		m.state.PendingTestRequests = 0
		m.sub = SubStateNormal
	case KindTestRequest:
		hb := fix.NewMessage(fix.MsgTypeHeartbeat)
		hb.Body.Set(fix.TagTestReqID, msg.Body.GetString(fix.TagTestReqID))
		_ = m.send(ctx, hb)
	case KindResendRequest:
		m.answerResend(ctx, msg)
	case KindSequenceReset:
		m.gapFill(ctx, msg, seq)
	case KindReject:
		m.rejects++
		m.log.Warn().
			Str("session", m.id.String()).
			Str("ref_seq", msg.Body.GetString(fix.TagRefSeqNum)).
			Str("reason", msg.Body.GetString(fix.TagSessionRejectReason)).
			Str("text", msg.Body.GetString(fix.TagText)).
			Msg("session.Machine reject received")
	case KindLogout:
		m.peerLogout(ctx, msg)
	case KindLogon:
		m.sendLogout(ctx, "unexpected Logon")
		m.terminate(ctx, "receive", ErrUnexpectedLogon)
	default:
		m.publish(dispatch.EventMessage, msg, nil)
	}
}

// answerResend covers the requested range with one gap fill. There is no
// outbound message store, so nothing is replayed.
func (m *Machine) answerResend(ctx context.Context, msg *fix.Message) {
	begin, _ := msg.Body.GetInt(fix.TagBeginSeqNo)
	end, _ := msg.Body.GetInt(fix.TagEndSeqNo)
	next := m.state.NextOutbound
	if end > 0 && end+1 < next {
		next = end + 1
	}
	if begin < 1 || begin >= next {
		m.log.Debug().Str("session", m.id.String()).Int("begin", begin).Int("next_out", next).Msg("session.Machine resend request for nothing sent")
		return
	}
	m.log.Info().
		Str("session", m.id.String()).
		Int("begin", begin).
		Int("end", end).
		Int("new_seq", next).
		Msg("session.Machine answering resend with gap fill")
	fill := fix.NewMessage(fix.MsgTypeSequenceReset)
	fill.Header.SetBool(fix.TagPossDupFlag, true)
	fill.Header.Set(fix.TagOrigSendingTime, fix.FormatTimestamp(m.now()))
	fill.Body.SetBool(fix.TagGapFillFlag, true)
	fill.Body.SetInt(fix.TagNewSeqNo, next)
	if err := m.write(fill, begin); err != nil {
		m.terminate(ctx, "send", fmt.Errorf("%w: %v", ErrTransport, err))
		return
	}
	m.hb.sent(m.now())
	observability.RecordMessage(observability.DirectionOutbound, string(fix.MsgTypeSequenceReset))
}

// gapFill applies an in-sequence SequenceReset with GapFillFlag=Y.
func (m *Machine) gapFill(ctx context.Context, msg *fix.Message, seq int) {
	newSeq, _ := msg.Body.GetInt(fix.TagNewSeqNo)
	if newSeq <= seq {
		m.sendReject(ctx, seq, fix.TagNewSeqNo, fmt.Sprintf("attempt to lower sequence number, invalid value NewSeqNo(36)=%d", newSeq))
		return
	}
	m.state.NextInbound = newSeq
}

// sequenceReset applies Reset mode, which ignores MsgSeqNum.
func (m *Machine) sequenceReset(ctx context.Context, msg *fix.Message, seq int) {
	newSeq, _ := msg.Body.GetInt(fix.TagNewSeqNo)
	if newSeq < m.state.NextInbound {
		m.sendReject(ctx, seq, fix.TagNewSeqNo, fmt.Sprintf("attempt to lower sequence number, invalid value NewSeqNo(36)=%d", newSeq))
		return
	}
	m.log.Info().Str("session", m.id.String()).Int("from", m.state.NextInbound).Int("to", newSeq).Msg("session.Machine sequence reset")
	m.state.NextInbound = newSeq
	m.dirty = true
	m.drain(ctx)
}

func (m *Machine) peerLogout(ctx context.Context, msg *fix.Message) {
	text := msg.Body.GetString(fix.TagText)
	if !m.logoutSent {
		m.sendLogout(ctx, "")
	}
	m.log.Info().Str("session", m.id.String()).Str("text", text).Msg("session.Machine logout")
	m.publish(dispatch.EventLogout, msg, nil)
	m.terminate(ctx, "logout", ErrLoggedOut)
}

// requestResend asks for everything from the expected sequence once per gap.
func (m *Machine) requestResend(ctx context.Context, seen int) {
	if seen > m.gapEnd {
		m.gapEnd = seen
	}
	if m.resendPending {
		return
	}
	m.resendPending = true
	req := fix.NewMessage(fix.MsgTypeResendRequest)
	req.Body.SetInt(fix.TagBeginSeqNo, m.state.NextInbound)
	req.Body.SetInt(fix.TagEndSeqNo, 0)
	_ = m.send(ctx, req)
}

func (m *Machine) sendReject(ctx context.Context, refSeq int, tag fix.Tag, text string) {
	rej := fix.NewMessage(fix.MsgTypeReject)
	rej.Body.SetInt(fix.TagRefSeqNum, refSeq)
	rej.Body.SetInt(fix.TagRefTagID, int(tag))
	rej.Body.SetInt(fix.TagSessionRejectReason, 5)
	rej.Body.Set(fix.TagText, text)
	_ = m.send(ctx, rej)
}

// Tick runs timeouts and heartbeat supervision at now.
func (m *Machine) Tick(ctx context.Context, now time.Time) {
	if m.done {
		return
	}
	defer m.flush(ctx)
	if !m.logonDeadline.IsZero() && !now.Before(m.logonDeadline) {
		m.log.Warn().Str("session", m.id.String()).Msg("session.Machine logon timeout")
		m.terminate(ctx, "logon", ErrLogonTimeout)
		return
	}
	if !m.logoutDeadline.IsZero() && !now.Before(m.logoutDeadline) {
		m.log.Warn().Str("session", m.id.String()).Msg("session.Machine logout ack timeout")
		m.terminate(ctx, "logout", ErrLogoutTimeout)
		return
	}
	if m.status != store.StatusActive {
		return
	}
	switch m.hb.check(now) {
	case heartbeatTestRequest:
		id := uuid.NewString()
		req := fix.NewMessage(fix.MsgTypeTestRequest)
		req.Body.Set(fix.TagTestReqID, id)
		if err := m.send(ctx, req); err != nil {
			return
		}
		m.hb.testRequestSent(now, id)
		m.sub = SubStateTestRequestPending
		m.state.PendingTestRequests++
		m.dirty = true
		m.log.Debug().Str("session", m.id.String()).Str("test_req_id", id).Msg("session.Machine peer idle, test request sent")
	case heartbeatSend:
		_ = m.send(ctx, fix.NewMessage(fix.MsgTypeHeartbeat))
	case heartbeatTimeout:
		m.log.Warn().Str("session", m.id.String()).Msg("session.Machine heartbeat timeout")
		m.terminate(ctx, "heartbeat", ErrHeartbeatTimeout)
	}
}

// Send stamps and writes an outbound message. Only legal while active.
func (m *Machine) Send(ctx context.Context, msg *fix.Message) error {
	if m.done {
		return ErrClosed
	}
	if m.status != store.StatusActive || m.logoutSent {
		return ErrNotActive
	}
	if msg == nil {
		return fix.ErrNilMessage
	}
	if msg.Type() == "" {
		return fix.MissingFieldError{Tag: fix.TagMsgType}
	}
	defer m.flush(ctx)
	return m.send(ctx, msg.Clone())
}

// Logout starts a local graceful logout and waits for the peer's ack
// until LogoutTimeout. Before logon it simply closes.
func (m *Machine) Logout(ctx context.Context, text string) error {
	if m.done {
		return ErrClosed
	}
	defer m.flush(ctx)
	if m.status != store.StatusActive {
		m.terminate(ctx, "logout", ErrLoggedOut)
		return nil
	}
	if m.logoutSent {
		return nil
	}
	m.sendLogout(ctx, text)
	if m.done {
		return m.reason
	}
	m.logoutDeadline = m.now().Add(m.cfg.LogoutTimeout)
	return nil
}

// Terminate closes the session for a reason originating outside the
// protocol, such as a read error or cancellation.
func (m *Machine) Terminate(ctx context.Context, reason error) {
	m.terminate(ctx, "close", reason)
}

// send stamps the header, advances the outbound sequence and writes.
func (m *Machine) send(ctx context.Context, msg *fix.Message) error {
	seq := m.state.NextOutbound
	m.state.NextOutbound++
	m.dirty = true
	if err := m.write(msg, seq); err != nil {
		m.log.Warn().Str("session", m.id.String()).Err(err).Msg("session.Machine write failed")
		m.terminate(ctx, "send", fmt.Errorf("%w: %v", ErrTransport, err))
		return err
	}
	if m.hb != nil {
		m.hb.sent(m.now())
	}
	observability.RecordMessage(observability.DirectionOutbound, string(msg.Type()))
	return nil
}

func (m *Machine) write(msg *fix.Message, seq int) error {
	msg.Header.Set(fix.TagBeginString, m.cfg.BeginString)
	out := m.id.Reverse()
	msg.Header.Set(fix.TagSenderCompID, out.SenderCompID)
	msg.Header.Set(fix.TagTargetCompID, out.TargetCompID)
	msg.Header.SetInt(fix.TagMsgSeqNum, seq)
	msg.Header.Set(fix.TagSendingTime, fix.FormatTimestamp(m.now()))
	raw, err := fix.Marshal(msg)
	if err != nil {
		return err
	}
	m.log.Trace().Str("session", m.id.String()).Str("msg", msg.String()).Msg("session.Machine out")
	return m.deps.Transport.Write(raw)
}

func (m *Machine) sendLogout(ctx context.Context, text string) {
	logout := fix.NewMessage(fix.MsgTypeLogout)
	if text != "" {
		logout.Body.Set(fix.TagText, text)
	}
	if m.state == nil {
		return
	}
	if err := m.send(ctx, logout); err == nil {
		m.logoutSent = true
	}
}

func (m *Machine) touch() {
	now := m.now()
	m.hb.received(now)
	m.sub = SubStateNormal
	m.state.LastReceivedAt = now
	m.dirty = true
}

func (m *Machine) resetSequences() {
	m.state.NextInbound = 1
	m.state.NextOutbound = 1
	m.dirty = true
}

func (m *Machine) publish(kind dispatch.EventKind, msg *fix.Message, err error) {
	if m.deps.Events == nil {
		return
	}
	m.deps.Events.Publish(dispatch.Event{
		Kind:    kind,
		ID:      m.id,
		Message: msg,
		Err:     err,
		At:      m.now(),
	})
}

// flush saves dirty state. Losing the claim ends the session.
func (m *Machine) flush(ctx context.Context) {
	if !m.dirty || m.state == nil || m.done {
		return
	}
	if err := m.deps.Repository.Save(ctx, m.state); err != nil {
		if errors.Is(err, store.ErrNotClaimed) {
			m.log.Error().Str("session", m.id.String()).Msg("session.Machine claim lost")
			m.state = nil
			m.terminate(ctx, "save", ErrClaimLost)
			return
		}
		m.log.Error().Str("session", m.id.String()).Err(err).Msg("session.Machine save failed")
		return
	}
	m.dirty = false
}

// terminate runs teardown exactly once: stop supervision, save, release
// the claim, close the transport.
func (m *Machine) terminate(ctx context.Context, op string, reason error) {
	if m.done {
		return
	}
	m.done = true
	wasActive := m.status == store.StatusActive
	m.status = store.StatusLoggedOut
	m.logonDeadline = time.Time{}
	m.logoutDeadline = time.Time{}
	if reason != nil && !errors.Is(reason, ErrLoggedOut) {
		m.reason = &Error{Op: op, ID: m.id, Err: reason}
	} else {
		m.reason = reason
	}

	if m.supervisor != nil {
		m.supervisor.Stop()
	}

	teardown := context.WithoutCancel(ctx)
	if m.state != nil {
		m.state.Status = store.StatusLoggedOut
		if err := m.deps.Repository.Save(teardown, m.state); errors.Is(err, store.ErrNotClaimed) {
			// Another owner may hold the identity now; leave its claim alone.
			m.log.Error().Str("session", m.id.String()).Msg("session.Machine claim lost before teardown")
		} else {
			if err != nil {
				m.log.Error().Str("session", m.id.String()).Err(err).Msg("session.Machine final save failed")
			}
			if err := m.deps.Repository.Release(teardown, m.state); err != nil {
				m.log.Error().Str("session", m.id.String()).Err(err).Msg("session.Machine release failed")
			}
		}
	}
	if err := m.deps.Transport.Close(); err != nil {
		m.log.Debug().Err(err).Msg("session.Machine transport close")
	}

	if wasActive {
		if m.Result() != nil {
			m.publish(dispatch.EventError, nil, m.reason)
		}
		if m.deps.Events != nil {
			m.deps.Events.Close(m.id)
		}
	}
	observability.RecordTermination(string(m.cfg.Role), reasonLabel(reason), wasActive)
	ev := m.log.Info()
	if m.Result() != nil {
		ev = m.log.Warn().Err(m.reason)
	}
	ev.Str("session", m.id.String()).Str("op", op).Bool("was_active", wasActive).Msg("session.Machine terminated")
}
