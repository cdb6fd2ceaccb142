package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/robovac-protocol/robovac-go/pkg/cloud"
	"github.com/robovac-protocol/robovac-go/pkg/config"
	"github.com/robovac-protocol/robovac-go/pkg/identity"
	"github.com/robovac-protocol/robovac-go/pkg/protolog"
)

// Manager owns the shared cloud channel and one session per device.
// Sessions are created lazily on first use and live until the manager
// closes. A single sweep loop walks every session on a fixed cadence
// so that retry and expiry cost does not grow with idle sessions.
type Manager struct {
	cfg     config.Config
	account *identity.Account
	logger  zerolog.Logger

	capture     protolog.Logger
	captureFile *protolog.FileLogger

	cloudCh *cloud.Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager. account may be nil, in which case all
// sessions run local-only and no broker connection is attempted.
func NewManager(account *identity.Account, cfg config.Config, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		account:  account,
		logger:   logger,
		capture:  protolog.NoopLogger{},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}

	if cfg.ProtocolLogPath != "" {
		f, err := protolog.NewFileLogger(cfg.ProtocolLogPath)
		if err != nil {
			cancel()
			return nil, err
		}
		m.captureFile = f
		m.capture = f
	}

	if account != nil {
		ch, err := cloud.NewChannel(account, cfg.Cloud, cloud.Options{
			Logger:         logger,
			Capture:        m.capture,
			OnConnectivity: m.fanoutConnectivity,
		})
		if err != nil {
			cancel()
			if m.captureFile != nil {
				m.captureFile.Close()
			}
			return nil, err
		}
		m.cloudCh = ch
	}

	m.wg.Add(1)
	go m.sweepLoop()
	return m, nil
}

// Connect establishes the broker connection. A failure here is not
// fatal to the manager: sessions still work over their local channels
// and the broker client keeps reconnecting in the background.
func (m *Manager) Connect(ctx context.Context) error {
	if m.cloudCh == nil {
		return nil
	}
	return m.cloudCh.Connect(ctx)
}

// GetSession returns the session for the device, creating and starting
// it on first use.
func (m *Manager) GetSession(ctx context.Context, device *identity.Device) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[device.DUID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := New(device, m.cfg, Options{
		Cloud:   m.cloudCh,
		Logger:  m.logger,
		Capture: m.capture,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Close()
		return nil, ErrManagerClosed
	}
	if existing, ok := m.sessions[device.DUID]; ok {
		// Lost the creation race; keep the first one.
		m.mu.Unlock()
		s.Close()
		return existing, nil
	}
	m.sessions[device.DUID] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, device.DUID)
		m.mu.Unlock()
		s.Close()
		return nil, err
	}
	return s, nil
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CloseSession closes and removes one device's session.
func (m *Manager) CloseSession(duid string) {
	m.mu.Lock()
	s, ok := m.sessions[duid]
	delete(m.sessions, duid)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// fanoutConnectivity propagates broker up/down to every session so
// their states track cloud availability.
func (m *Manager) fanoutConnectivity(up bool) {
	for _, s := range m.Sessions() {
		s.onCloudConnectivity(up)
	}
}

// sweepLoop drives request expiry and retry across all sessions.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Request.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range m.Sessions() {
				s.sweep(now)
			}
		}
	}
}

// Close shuts down every session, the broker connection and the
// capture file. Pending requests across all sessions fail with
// SessionClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.cancel()
	for _, s := range sessions {
		s.Close()
	}
	if m.cloudCh != nil {
		m.cloudCh.Close()
	}
	m.wg.Wait()
	if m.captureFile != nil {
		m.captureFile.Close()
	}
}
