package replication

import (
	"fmt"
	"sync"
)

// SessionState — состояние клиентской сессии репликации
type SessionState uint8

const (
	StateConnecting SessionState = iota
	StateActive
	StateDisconnecting
	StateClosed
)

// String возвращает имя состояния для логов
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// allowedTransitions — таблица допустимых переходов сессии.
// Разрыв возможен из любого живого состояния.
var allowedTransitions = map[SessionState][]SessionState{
	StateConnecting:    {StateActive, StateDisconnecting, StateClosed},
	StateActive:        {StateDisconnecting, StateClosed},
	StateDisconnecting: {StateClosed},
	StateClosed:        {},
}

// FSM — конечный автомат сессии с таблицей переходов и хуками входа
// в состояние. Хуки вызываются под локом автомата: переходы строго
// последовательны.
type FSM struct {
	mu      sync.Mutex
	current SessionState
	onEnter map[SessionState]func()
}

// NewFSM создаёт автомат в состоянии Connecting
func NewFSM() *FSM {
	return &FSM{
		current: StateConnecting,
		onEnter: make(map[SessionState]func()),
	}
}

// OnEnter регистрирует хук входа в состояние
func (f *FSM) OnEnter(state SessionState, hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnter[state] = hook
}

// State возвращает текущее состояние
func (f *FSM) State() SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Transition переводит автомат в новое состояние, если переход допустим
func (f *FSM) Transition(to SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current == to {
		return nil
	}
	allowed := false
	for _, next := range allowedTransitions[f.current] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("недопустимый переход сессии %s → %s", f.current, to)
	}

	f.current = to
	if hook, ok := f.onEnter[to]; ok {
		hook()
	}
	return nil
}

// Is проверяет текущее состояние без выдачи его наружу
func (f *FSM) Is(state SessionState) bool {
	return f.State() == state
}
