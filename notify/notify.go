package notify

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
)

// Sink is the push-notification destination.
type Sink interface {
	Push(ctx context.Context, payload []byte) error
}

// Config sizes the sender's worker pool.
type Config struct {
	Workers        int
	Buffer         int
	PushTimeout    time.Duration
	HandoffTimeout time.Duration
}

// Sender delivers notification jobs to the sink through a bounded worker
// pool. Notify never blocks the mutation path: when the buffer is full it
// waits at most HandoffTimeout and then drops the job with a warning. The
// channel is best effort and not authoritative.
type Sender struct {
	sink   Sink
	logger *log.Logger
	cfg    Config

	jobs   chan domain.NotifyJob
	wg     sync.WaitGroup
	closed chan struct{}
}

func NewSender(sink Sink, logger *log.Logger, cfg Config) *Sender {
	if sink == nil {
		panic("notify.NewSender: sink is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 30 * time.Second
	}
	if cfg.HandoffTimeout < 0 {
		cfg.HandoffTimeout = 0
	}

	s := &Sender{
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		jobs:   make(chan domain.NotifyJob, cfg.Buffer),
		closed: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("notification sender started, workers: %d, buffer: %d, handoff: %v", cfg.Workers, cfg.Buffer, cfg.HandoffTimeout)
	return s
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()
	for job := range s.jobs {
		payload, err := sonic.Marshal(job)
		if err != nil {
			s.logger.Errorf("notify marshal failed, err: %v, board: %s", err, job.BoardID)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PushTimeout)
		err = s.sink.Push(ctx, payload)
		cancel()
		if err != nil {
			s.logger.Errorf("notify push failed, err: %v, board: %s, event: %s, worker: %d", err, job.BoardID, job.Event, id)
		}
	}
}

// Notify hands the job to the pool, dropping it when the pool stays
// saturated past the handoff timeout.
func (s *Sender) Notify(job domain.NotifyJob) {
	if s.trySend(job) {
		return
	}
	s.logger.WithFields(log.Fields{"board": job.BoardID, "event": job.Event}).
		Warn("notification dropped, sender saturated")
}

func (s *Sender) trySend(job domain.NotifyJob) (ok bool) {
	// A send racing Close panics on the closed channel; treat it as a drop.
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.jobs <- job:
		return true
	default:
	}

	if s.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(s.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case s.jobs <- job:
		return true
	case <-timer.C:
		return false
	case <-s.closed:
		return false
	}
}

// Close stops accepting jobs and waits for in-flight pushes to finish.
func (s *Sender) Close() {
	close(s.closed)
	close(s.jobs)
	s.wg.Wait()
}
