package server

import (
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/registry"

	"go.uber.org/zap"
)

// Failure texts sent to clients.
const (
	msgInvalidXML          = "Invalid XML"
	msgServerError         = "Server error"
	msgAuthFailed          = "Authentication failed"
	msgAlreadyAuthed       = "Already authenticated"
	msgInvalidRegistration = "Invalid registration data"
	msgUserExists          = "User already exists"
	msgEmptyMessage        = "Empty message"
	msgInvalidPresence     = "Invalid presence"
	msgInvalidUsername     = "Invalid username"
	msgInvalidSearch       = "Invalid search data"
	msgInvalidHistory      = "Invalid chat history request"
	msgUnknownCommand      = "Unknown command"
	msgNotAuthenticated    = "Not authenticated"
)

// Gateway is the persistence the dispatcher depends on.
type Gateway interface {
	Authenticate(username, password string) (bool, error)
	AddUser(username, password string) (bool, error)
	UserExists(username string) (bool, error)
	SaveMessage(from, to, body string) error
	UpdatePresence(username, status string) error
	ChatHistory(username, contact string) ([]models.Message, error)
	ContactsOf(username string) ([]string, error)
}

// Caller is the session a stanza arrived on.
type Caller interface {
	Username() string
	Sink() registry.Sink
	// Bind marks the session authenticated as username, owning token.
	Bind(username string, token registry.Token) error
}

// Result is the dispatcher's decision for one stanza.
type Result struct {
	Reply   string
	NoReply bool
	// Close asks the session to drop the connection after writing Reply.
	Close bool
}

func reply(line string) Result {
	return Result{Reply: line}
}

func failure(text string) Result {
	return Result{Reply: protocol.Failure(text)}
}

type DispatcherOptions struct {
	// ReplyUnknown answers unknown commands with a failure instead of silence.
	ReplyUnknown bool
	// RequireAuth rejects message, presence, contacts and history requests
	// from sessions that have not authenticated.
	RequireAuth bool
}

// Dispatcher decides what to do with each decoded stanza.
type Dispatcher struct {
	gateway  Gateway
	registry *registry.Registry
	logger   *zap.Logger
	opts     DispatcherOptions
}

func NewDispatcher(gateway Gateway, reg *registry.Registry, logger *zap.Logger, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		gateway:  gateway,
		registry: reg,
		logger:   logger,
		opts:     opts,
	}
}

func (d *Dispatcher) Dispatch(c Caller, st protocol.Stanza) Result {
	metrics.RecordStanza(st.Tag())

	if d.opts.RequireAuth && c.Username() == "" && requiresAuth(st) {
		d.logger.Warn("unauthenticated request rejected", zap.String("kind", st.Tag()))
		return failure(msgNotAuthenticated)
	}

	switch s := st.(type) {
	case protocol.Auth:
		return d.handleAuth(c, s)
	case protocol.Register:
		return d.handleRegister(s)
	case protocol.Message:
		return d.handleMessage(s)
	case protocol.Presence:
		return d.handlePresence(s)
	case protocol.Contacts:
		return d.handleContacts(s)
	case protocol.Search:
		return d.handleSearch(s)
	case protocol.LoadChatHistory:
		return d.handleHistory(s)
	default:
		return d.handleUnknown(st)
	}
}

// DecodeFailure is the reply for a line that could not be decoded.
func (d *Dispatcher) DecodeFailure(err error) Result {
	metrics.DecodeErrors.Inc()
	d.logger.Warn("invalid stanza", zap.Error(err))
	return failure(msgInvalidXML)
}

func requiresAuth(st protocol.Stanza) bool {
	switch st.(type) {
	case protocol.Message, protocol.Presence, protocol.Contacts, protocol.LoadChatHistory:
		return true
	}
	return false
}

func (d *Dispatcher) gatewayFailure(op string, err error) Result {
	metrics.GatewayErrors.Inc()
	d.logger.Error("gateway error", zap.String("op", op), zap.Error(err))
	return failure(msgServerError)
}

func (d *Dispatcher) handleAuth(c Caller, s protocol.Auth) Result {
	if current := c.Username(); current != "" {
		d.logger.Warn("auth on authenticated session",
			zap.String("user", current), zap.String("requested", s.Username))
		return failure(msgAlreadyAuthed)
	}

	ok, err := d.gateway.Authenticate(s.Username, s.Password)
	if err != nil {
		metrics.RecordAuth("error")
		return d.gatewayFailure("authenticate", err)
	}

	if !ok {
		metrics.RecordAuth("rejected")
		d.logger.Warn("authentication failed, closing connection", zap.String("user", s.Username))
		return Result{Reply: protocol.Failure(msgAuthFailed), Close: true}
	}

	token := d.registry.Register(s.Username, c.Sink())
	if err := c.Bind(s.Username, token); err != nil {
		d.registry.Unregister(s.Username, token)
		d.logger.Error("bind session", zap.String("user", s.Username), zap.Error(err))
		return failure(msgServerError)
	}

	metrics.RecordAuth("accepted")
	d.logger.Info("user authenticated", zap.String("user", s.Username))
	return reply(protocol.Success())
}

func (d *Dispatcher) handleRegister(s protocol.Register) Result {
	if s.Username == "" || s.Password == "" {
		d.logger.Warn("registration missing username or password")
		return failure(msgInvalidRegistration)
	}

	added, err := d.gateway.AddUser(s.Username, s.Password)
	if err != nil {
		return d.gatewayFailure("add user", err)
	}
	if !added {
		d.logger.Warn("registration for existing user", zap.String("user", s.Username))
		return failure(msgUserExists)
	}

	d.logger.Info("user registered", zap.String("user", s.Username))
	return reply(protocol.Success())
}

func (d *Dispatcher) handleMessage(s protocol.Message) Result {
	if s.Body == "" {
		d.logger.Warn("empty message", zap.String("from", s.From), zap.String("to", s.To))
		return failure(msgEmptyMessage)
	}

	if err := d.gateway.SaveMessage(s.From, s.To, s.Body); err != nil {
		return d.gatewayFailure("save message", err)
	}

	delivered := d.registry.Route(s.To, protocol.Forward(s.From, s.To, s.Body))
	metrics.RecordRouted(delivered)
	d.logger.Info("message",
		zap.String("from", s.From),
		zap.String("to", s.To),
		zap.Int("bytes", len(s.Body)),
		zap.Bool("delivered", delivered),
	)

	return reply(protocol.Ack(s.From, s.To))
}

func (d *Dispatcher) handlePresence(s protocol.Presence) Result {
	if s.From == "" {
		d.logger.Warn("presence without from")
		return failure(msgInvalidPresence)
	}

	if err := d.gateway.UpdatePresence(s.From, s.Status); err != nil {
		return d.gatewayFailure("update presence", err)
	}

	d.logger.Info("presence", zap.String("from", s.From), zap.String("status", s.Status))
	return reply(protocol.PresenceAvailable())
}

func (d *Dispatcher) handleContacts(s protocol.Contacts) Result {
	if s.Username == "" {
		d.logger.Warn("contacts request without username")
		return failure(msgInvalidUsername)
	}

	contacts, err := d.gateway.ContactsOf(s.Username)
	if err != nil {
		return d.gatewayFailure("contacts", err)
	}
	return reply(protocol.ContactList(contacts))
}

func (d *Dispatcher) handleSearch(s protocol.Search) Result {
	if s.Username == "" {
		d.logger.Warn("search request without username")
		return failure(msgInvalidSearch)
	}

	found, err := d.gateway.UserExists(s.Username)
	if err != nil {
		return d.gatewayFailure("user exists", err)
	}

	d.logger.Info("search", zap.String("user", s.Username), zap.Bool("found", found))
	return reply(protocol.SearchResult(s.Username, found))
}

func (d *Dispatcher) handleHistory(s protocol.LoadChatHistory) Result {
	if s.Username == "" || s.Contact == "" {
		d.logger.Warn("chat history request missing username or contact")
		return failure(msgInvalidHistory)
	}

	messages, err := d.gateway.ChatHistory(s.Username, s.Contact)
	if err != nil {
		return d.gatewayFailure("chat history", err)
	}
	return reply(protocol.ChatHistory(messages))
}

func (d *Dispatcher) handleUnknown(st protocol.Stanza) Result {
	d.logger.Warn("unknown command", zap.String("tag", st.Tag()))
	if d.opts.ReplyUnknown {
		return failure(msgUnknownCommand)
	}
	return Result{NoReply: true}
}
