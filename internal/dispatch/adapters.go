package dispatch

import (
	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/store"
	"github.com/rs/zerolog"
)

// Logging is an Application that only logs what it receives.
type Logging struct {
	Logger zerolog.Logger
}

func NewLogging(logger zerolog.Logger) *Logging {
	return &Logging{Logger: logger}
}

func (l *Logging) OnLogon(id store.ID, logon *fix.Message) {
	l.Logger.Info().Str("session", id.String()).Msg("session logon")
}

func (l *Logging) OnLogout(id store.ID, logout *fix.Message) {
	text := ""
	if logout != nil {
		text = logout.Body.GetString(fix.TagText)
	}
	l.Logger.Info().Str("session", id.String()).Str("text", text).Msg("session logout")
}

func (l *Logging) OnMessage(id store.ID, msg *fix.Message) {
	seq, _ := msg.SeqNum()
	l.Logger.Info().
		Str("session", id.String()).
		Str("msg_type", string(msg.Type())).
		Int("seq", seq).
		Str("msg", msg.String()).
		Msg("session message")
}

func (l *Logging) OnError(id store.ID, err error) {
	l.Logger.Warn().Str("session", id.String()).Err(err).Msg("session error")
}

// Funcs adapts optional callbacks into an Application and ErrorHandler.
type Funcs struct {
	Logon   func(store.ID, *fix.Message)
	Logout  func(store.ID, *fix.Message)
	Message func(store.ID, *fix.Message)
	Error   func(store.ID, error)
}

func (f Funcs) OnLogon(id store.ID, msg *fix.Message) {
	if f.Logon != nil {
		f.Logon(id, msg)
	}
}

func (f Funcs) OnLogout(id store.ID, msg *fix.Message) {
	if f.Logout != nil {
		f.Logout(id, msg)
	}
}

func (f Funcs) OnMessage(id store.ID, msg *fix.Message) {
	if f.Message != nil {
		f.Message(id, msg)
	}
}

func (f Funcs) OnError(id store.ID, err error) {
	if f.Error != nil {
		f.Error(id, err)
	}
}
