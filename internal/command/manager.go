package command

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gcdcore/agent/internal/errs"
	"github.com/gcdcore/agent/internal/schema"
)

// Logger defines the logging interface the Manager accepts, matching the
// minimal interface convention used across internal/.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TaskRunner is the provider interface spec.md §6 defines; the Manager
// dispatches handlers through it rather than spawning goroutines per
// command, preserving the single-threaded cooperative model (spec.md §5).
type TaskRunner interface {
	PostDelayedTask(fn func(), delay time.Duration)
}

// Handler processes one command instance. A non-nil return is terminal:
// the Manager moves the command to Aborted carrying the returned error
// chain (spec.md §4.2: "all errors from handlers are terminal"). A handler
// that wants to complete the command calls cmd.Complete itself and returns
// nil. The *Command passed in is the manager's own long-lived instance —
// the design-notes "weak handle" collapses to this pointer plus the
// manager's FindCommand table; there is no separate handle type to leak.
type Handler func(cmd *Command) error

// Manager is the CommandManager (spec.md §4.2): dictionary, queue,
// dispatch, and lifecycle observers.
type Manager struct {
	dict   *Dictionary
	runner TaskRunner
	clock  func() time.Time
	logger Logger

	defaultTTL time.Duration

	mu       sync.RWMutex
	commands map[string]*Command
	order    []string

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	callbacksMu     sync.Mutex
	addedCallbacks  []func(*Command)
	removedCallback []func(*Command)
}

// New creates a Manager bound to dict and runner. Pass a logger or nil for
// a no-op logger.
func New(dict *Dictionary, runner TaskRunner, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		dict:     dict,
		runner:   runner,
		clock:    time.Now,
		logger:   logger,
		commands: map[string]*Command{},
		handlers: map[string]Handler{},
	}
}

// LoadBaseCommands delegates to the underlying Dictionary.
func (m *Manager) LoadBaseCommands(raw json.RawMessage) error {
	return m.dict.LoadBaseCommands(raw)
}

// LoadCommands delegates to the underlying Dictionary.
func (m *Manager) LoadCommands(raw json.RawMessage, category string) error {
	return m.dict.LoadCommands(raw, category)
}

// Names delegates to the underlying Dictionary, returning every qualified
// command name this device supports.
func (m *Manager) Names() []string {
	return m.dict.Names()
}

// SetDefaultTTL sets the TTL newly-added commands receive when none is
// specified explicitly. Zero (the default) means no expiry, per spec.md §9.
func (m *Manager) SetDefaultTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultTTL = ttl
}

// AddCommandHandler registers handler for qualifiedName, replacing any
// previous registration. Each currently non-terminal queued command with
// that name gets a dispatch task posted to the Task Runner with no delay;
// the handler runs when that task runs, not before AddCommandHandler
// returns (spec.md §4.2).
func (m *Manager) AddCommandHandler(qualifiedName string, handler Handler) {
	m.handlersMu.Lock()
	m.handlers[qualifiedName] = handler
	m.handlersMu.Unlock()

	m.mu.RLock()
	var pending []string
	for _, id := range m.order {
		cmd := m.commands[id]
		if cmd.Name == qualifiedName && !cmd.Status().IsTerminal() {
			pending = append(pending, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range pending {
		m.scheduleDispatch(id)
	}
}

// AddCommand validates raw against the dictionary, assigns an id if absent,
// enqueues the new Command in state Queued, notifies OnCommandAdded
// observers, and schedules dispatch. Parsing/validation errors are returned
// to the caller and the command is never created (spec.md §4.2).
func (m *Manager) AddCommand(raw json.RawMessage, origin Origin) (string, error) {
	var envelope struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", errs.Wrap(err, errs.DomainJSON, "parse_error", "parsing command JSON")
	}
	if envelope.Name == "" {
		return "", errs.New(errs.DomainCommands, "parameter_missing", "command JSON is missing \"name\"")
	}

	def := m.dict.Find(envelope.Name)
	if def == nil {
		return "", errs.Newf(errs.DomainCommands, "invalid_command_definition", "no command definition for %q", envelope.Name)
	}

	var params *schema.Value
	var err error
	if len(envelope.Parameters) == 0 {
		params, err = def.Parameters.ParseValue(json.RawMessage(`{}`))
	} else {
		params, err = def.Parameters.ParseValue(envelope.Parameters)
	}
	if err != nil {
		return "", errs.Wrapf(err, errs.DomainCommands, "invalid_parameter_value", "invalid parameters for command %q", envelope.Name)
	}
	if err := def.Parameters.Validate(params); err != nil {
		return "", errs.Wrapf(err, errs.DomainCommands, "invalid_parameter_value", "invalid parameters for command %q", envelope.Name)
	}

	id := envelope.ID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.commands[id]; exists {
		m.mu.Unlock()
		return "", errs.Newf(errs.DomainCommands, "invalid_command_definition", "command id %q already exists", id)
	}
	ttl := m.defaultTTL
	now := m.clock()
	cmd := newCommand(id, def, origin, params, now, ttl, m.fireRemoved)
	m.commands[id] = cmd
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.fireAdded(cmd)
	m.scheduleDispatch(id)
	if ttl > 0 {
		m.runner.PostDelayedTask(func() { m.expireIfDue(id) }, ttl)
	}
	return id, nil
}

// FindCommand returns the Command for id, or nil if it does not exist.
func (m *Manager) FindCommand(id string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[id]
}

// AddOnCommandAddedCallback registers an observer fired after every
// successful AddCommand.
func (m *Manager) AddOnCommandAddedCallback(cb func(cmd *Command)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.addedCallbacks = append(m.addedCallbacks, cb)
}

// AddOnCommandRemovedCallback registers an observer fired when a command
// reaches a terminal state.
func (m *Manager) AddOnCommandRemovedCallback(cb func(cmd *Command)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.removedCallback = append(m.removedCallback, cb)
}

func (m *Manager) fireAdded(cmd *Command) {
	m.callbacksMu.Lock()
	cbs := append([]func(*Command){}, m.addedCallbacks...)
	m.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(cmd)
	}
}

func (m *Manager) fireRemoved(cmd *Command) {
	m.callbacksMu.Lock()
	cbs := append([]func(*Command){}, m.removedCallback...)
	m.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(cmd)
	}
}

func (m *Manager) scheduleDispatch(id string) {
	m.runner.PostDelayedTask(func() { m.dispatch(id) }, 0)
}

// dispatch runs on the Task Runner goroutine. It is the sole place that
// invokes a registered Handler, and markInProgress's state check ensures a
// command already InProgress (e.g. re-dispatched by AddCommandHandler
// racing a natural dispatch) is never handed to a handler twice — this is
// the "command dispatch singleness" property (spec.md §8). It does not fire
// OnCommandRemoved itself: the Command's own terminal transitions
// (Complete/Abort/Cancel/expire) do that directly, so a handler that
// completes its command from a later async task is covered too.
func (m *Manager) dispatch(id string) {
	cmd := m.FindCommand(id)
	if cmd == nil {
		return
	}

	m.handlersMu.RLock()
	handler, ok := m.handlers[cmd.Name]
	m.handlersMu.RUnlock()
	if !ok {
		// Handler absence: remains Queued indefinitely (spec.md §4.2).
		return
	}

	if err := cmd.markInProgress(); err != nil {
		return
	}

	if err := m.runHandler(handler, cmd); err != nil {
		if abortErr := cmd.Abort(err); abortErr != nil {
			m.logger.Warn("command handler error could not be recorded", "command_id", id, "error", abortErr)
		}
	}
}

func (m *Manager) runHandler(handler Handler, cmd *Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf(errs.DomainCommands, "invalid_state_transition", "handler for command %q panicked: %v", cmd.ID, r)
		}
	}()
	return handler(cmd)
}

func (m *Manager) expireIfDue(id string) {
	cmd := m.FindCommand(id)
	if cmd == nil {
		return
	}
	if cmd.ExpiresAt.IsZero() || m.clock().Before(cmd.ExpiresAt) {
		return
	}
	cmd.expire()
}
