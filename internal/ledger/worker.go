package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/cryptoengine"
)

// Start launches the background workers: retry draining, key rotation, and
// the TTL cleanup sweep. Each loop runs until Stop is called.
func (s *Service) Start() {
	s.wg.Add(3)
	go s.retryLoop()
	go s.rotationLoop()
	go s.cleanupLoop()
	s.logger.Info("ledger workers started",
		zap.Duration("retry_interval", s.cfg.RetryInterval),
		zap.Duration("rotation_period", s.cfg.RotationPeriod),
		zap.Duration("ttl", s.cfg.TTL),
	)
}

// Stop signals all workers, waits for them to exit, and flushes any
// partially filled sensor batch so queued readings are not lost.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RemoteTimeout)
	defer cancel()
	s.FlushBatch(ctx)
	s.logger.Info("ledger workers stopped")
}

// retryLoop wakes on a fixed interval, drains a bounded batch from the
// retry queue, and attempts resubmission of each entry. One bad transaction
// never stops the queue from draining.
func (s *Service) retryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainRetries()
		case <-s.stop:
			return
		}
	}
}

// drainRetries processes one retry pass.
func (s *Service) drainRetries() {
	batch := s.queue.DrainBatch(s.cfg.RetryBatch)
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RetryInterval)
	defer cancel()

	recovered, exhausted := 0, 0
	for _, ft := range batch {
		tx, err := s.buildTransaction(ft.Payload)
		if err == nil {
			err = s.submit(ctx, tx)
		}
		if err != nil {
			if s.queue.RequeueWithBackoff(ctx, ft, err) != nil {
				exhausted++
			}
			continue
		}
		recovered++
	}

	s.logger.Info("retry pass complete",
		zap.Int("drained", len(batch)),
		zap.Int("recovered", recovered),
		zap.Int("exhausted", exhausted),
	)
}

// rotationLoop checks the active key's age on a fixed interval and rotates
// once the rotation period has elapsed. Rotation is exclusive with
// in-flight sign and verify calls via the engine's key lock.
func (s *Service) rotationLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RotationCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			key := s.engine.ActiveKey()
			if time.Since(key.GeneratedAt) < s.cfg.RotationPeriod {
				continue
			}
			old, err := s.engine.RotateKeys()
			if err != nil {
				s.logger.Error("key rotation failed", zap.Error(err))
				continue
			}
			if s.onRotation != nil {
				s.onRotation()
			}
			s.logger.Info("signing keys rotated",
				zap.String("retired_fingerprint", cryptoengine.Fingerprint(old)),
				zap.String("active_fingerprint", s.engine.ActiveKey().Fingerprint),
			)
		case <-s.stop:
			return
		}
	}
}

// cleanupLoop periodically evicts expired entries from the transaction
// store.
func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.store.CleanupExpired(time.Now()); n > 0 {
				s.logger.Info("expired transactions evicted", zap.Int("count", n))
			}
		case <-s.stop:
			return
		}
	}
}
