package taskwire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/UniQw/taskwire/broker"
	rtm "github.com/UniQw/taskwire/internal/runtime"
	"github.com/UniQw/taskwire/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrorHandler is called for every delivery that ended rejected or aborted.
type ErrorHandler func(rep Report)

// ServerConfig defines the configuration for a taskwire server.
type ServerConfig struct {
	// Queues to consume. Default ["celery"].
	Queues []string
	// Concurrency bounds the number of tasks executing at once. Default 10.
	Concurrency int
	// ShutdownGrace is how long running tasks may finish after shutdown starts.
	// Default 10s; negative cancels them at once.
	ShutdownGrace time.Duration
	// BrokerTimeout bounds each ack, reject and retry call. Default 5s.
	BrokerTimeout time.Duration
	// Codec decodes deliveries. Default protocol.DefaultCodec().
	Codec *protocol.Codec
	// Logger is the logger used for server events. Default ZerologLogger on stderr.
	Logger Logger
	// Registerer receives the server's Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer
	// ErrorHandler observes failed deliveries.
	ErrorHandler ErrorHandler
	// OnReport observes every terminal report.
	OnReport func(Report)
}

// Server consumes queues from a broker and executes the registered tasks.
type Server struct {
	b   broker.Broker
	reg *Registry
	eng *rtm.Engine
	log Logger
	cfg ServerConfig
	m   *metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewServer creates a new taskwire server executing tasks from reg.
func NewServer(b broker.Broker, cfg ServerConfig, reg *Registry) *Server {
	l := cfg.Logger
	if l == nil {
		l = NewZerologLogger(nil)
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{DefaultQueue}
	}
	m := newMetrics(cfg.Registerer)
	s := &Server{b: b, reg: reg, log: l, cfg: cfg, m: m}

	rtc := rtm.Config{
		Queues:        cfg.Queues,
		Concurrency:   cfg.Concurrency,
		ShutdownGrace: cfg.ShutdownGrace,
		BrokerTimeout: cfg.BrokerTimeout,
		Codec:         cfg.Codec,
		Logger:        rtLogger{Logger: l},
		OnStart:       m.started,
		OnFinish: func(rep Report) {
			m.finished(rep)
			if cfg.ErrorHandler != nil && (rep.State == StateRejected || rep.State == StateAborted) {
				cfg.ErrorHandler(rep)
			}
			if cfg.OnReport != nil {
				cfg.OnReport(rep)
			}
		},
	}
	s.eng = rtm.New(b, rtc, reg.definition)
	return s
}

// Run connects to the broker and processes tasks until ctx is cancelled, in
// which case it returns nil once running tasks finished or the shutdown grace
// elapsed. It returns a *broker.ConnectionError when the transport is lost
// for good. Registration on the server's registry ends when Run is called.
func (s *Server) Run(ctx context.Context) error {
	s.reg.seal()
	if err := s.b.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Errorf("broker connect failed: %v", err)
		return err
	}
	s.log.Infof("starting server: concurrency=%d queues=%v tasks=%v", s.cfg.Concurrency, s.cfg.Queues, s.reg.Names())
	return s.eng.Run(ctx)
}

// Start launches Run in the background. It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	done := s.done
	go func() {
		defer close(done)
		err := s.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Errorf("server stopped: %v", err)
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
}

// Stop gracefully shuts down the server, waiting for running tasks to finish
// or the shutdown grace to elapse.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.log.Infof("stopping server")
	cancel()
	<-done
}

// Err returns the error the last background Run ended with, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
