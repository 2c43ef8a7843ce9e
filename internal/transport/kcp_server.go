package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"

	"github.com/codingwatching/fmc/internal/logging"
)

// kcpChannel оборачивает KCP-сессию в NetChannel
type kcpChannel struct {
	conn *kcp.UDPSession

	sendMu sync.Mutex
	mu     sync.Mutex
	stats  ConnectionStats

	closed chan struct{}
	once   sync.Once
}

func newKCPChannel(conn *kcp.UDPSession) *kcpChannel {
	// Агрессивные параметры KCP для игрового трафика
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(1, 20, 2, 1)
	conn.SetWindowSize(512, 512)
	conn.SetMtu(1400)

	return &kcpChannel{
		conn:   conn,
		stats:  ConnectionStats{RemoteAddr: conn.RemoteAddr().String()},
		closed: make(chan struct{}),
	}
}

func (c *kcpChannel) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	c.sendMu.Lock()
	err := WriteFrame(c.conn, payload)
	c.sendMu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.stats.FramesSent++
	c.stats.BytesSent += uint64(len(payload)) + 4
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()

	metricFramesSent.Inc()
	metricBytesSent.Add(float64(len(payload) + 4))
	return nil
}

func (c *kcpChannel) Receive() ([]byte, error) {
	payload, err := ReadFrame(c.conn)
	if err != nil {
		select {
		case <-c.closed:
			return nil, ErrChannelClosed
		default:
			return nil, err
		}
	}

	c.mu.Lock()
	c.stats.FramesReceived++
	c.stats.BytesReceived += uint64(len(payload)) + 4
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()

	metricFramesReceived.Inc()
	metricBytesReceived.Add(float64(len(payload) + 4))
	return payload, nil
}

func (c *kcpChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *kcpChannel) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *kcpChannel) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Dial подключается к KCP-серверу и возвращает канал клиента
func Dial(addr string) (NetChannel, error) {
	conn, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("подключение KCP к %s: %w", addr, err)
	}
	return newKCPChannel(conn), nil
}

// Server принимает KCP-подключения и раздаёт входящие кадры обработчикам.
// Жизненный цикл клиента сообщается хуками; исходящие кадры шлются через
// NetChannel, выданный в onConnect.
type Server struct {
	addr   string
	logger *logging.Logger

	onConnect    func(channel NetChannel)
	onDisconnect func(channel NetChannel, err error)
	onFrame      func(channel NetChannel, payload []byte)

	mu       sync.Mutex
	listener *kcp.Listener
	clients  map[*kcpChannel]struct{}
	running  bool

	wg sync.WaitGroup
}

// NewServer создаёт KCP-сервер на указанном адресе
func NewServer(addr string) *Server {
	return &Server{
		addr:    addr,
		logger:  logging.GetNetworkLogger(),
		clients: make(map[*kcpChannel]struct{}),
	}
}

// SetHandlers задаёт хуки жизненного цикла. Вызывается до Start.
func (s *Server) SetHandlers(
	onConnect func(NetChannel),
	onDisconnect func(NetChannel, error),
	onFrame func(NetChannel, []byte),
) {
	s.onConnect = onConnect
	s.onDisconnect = onDisconnect
	s.onFrame = onFrame
}

// Start начинает слушать и принимать подключения
func (s *Server) Start() error {
	listener, err := kcp.ListenWithOptions(s.addr, nil, 0, 0)
	if err != nil {
		return fmt.Errorf("прослушивание KCP на %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("🚀 KCP-сервер слушает %s", s.addr)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.AcceptKCP()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Приём подключения: %v", err)
				continue
			}
			return
		}

		channel := newKCPChannel(conn)
		s.mu.Lock()
		s.clients[channel] = struct{}{}
		s.mu.Unlock()
		metricActiveConnections.Inc()

		s.logger.Info("Клиент подключился: %s", channel.RemoteAddr())
		if s.onConnect != nil {
			s.onConnect(channel)
		}

		s.wg.Add(1)
		go s.readLoop(channel)
	}
}

// readLoop читает кадры клиента до разрыва соединения
func (s *Server) readLoop(channel *kcpChannel) {
	defer s.wg.Done()

	var readErr error
	for {
		payload, err := channel.Receive()
		if err != nil {
			if !errors.Is(err, ErrChannelClosed) {
				readErr = err
			}
			break
		}
		if s.onFrame != nil {
			s.onFrame(channel, payload)
		}
	}

	s.mu.Lock()
	delete(s.clients, channel)
	s.mu.Unlock()
	channel.Close()
	metricActiveConnections.Dec()

	s.logger.Info("Клиент отключился: %s", channel.RemoteAddr())
	if s.onDisconnect != nil {
		s.onDisconnect(channel, readErr)
	}
}

// ClientCount возвращает число подключённых клиентов
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast шлёт кадр всем подключённым клиентам
func (s *Server) Broadcast(payload []byte) {
	s.mu.Lock()
	clients := make([]*kcpChannel, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.Send(payload); err != nil {
			s.logger.Warn("Broadcast клиенту %s: %v", c.RemoteAddr(), err)
		}
	}
}

// Stop закрывает слушатель и все клиентские каналы
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener
	clients := make([]*kcpChannel, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	err := listener.Close()
	s.wg.Wait()

	s.logger.Info("✅ KCP-сервер остановлен")
	return err
}
