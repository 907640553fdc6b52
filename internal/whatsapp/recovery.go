package whatsapp

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/wasessiond/internal/domain"
	"go.uber.org/zap"
)

// RecoveryOutcome classifies what startup recovery did for one user.
type RecoveryOutcome string

const (
	RecoveryReconnected RecoveryOutcome = "reconnected"
	RecoveryCorrected   RecoveryOutcome = "corrected"
	RecoveryFailed      RecoveryOutcome = "failed"
	RecoverySkipped     RecoveryOutcome = "skipped"
)

type RecoveryResult struct {
	PhoneNumber string          `json:"phone_number"`
	DeviceID    string          `json:"device_id"`
	Outcome     RecoveryOutcome `json:"outcome"`
	Err         error           `json:"-"`
}

type RecoveryReport struct {
	Results     []RecoveryResult `json:"results"`
	Reconnected int              `json:"reconnected"`
	Corrected   int              `json:"corrected"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
}

func (r *RecoveryReport) add(res RecoveryResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case RecoveryReconnected:
		r.Reconnected++
	case RecoveryCorrected:
		r.Corrected++
	case RecoveryFailed:
		r.Failed++
	case RecoverySkipped:
		r.Skipped++
	}
}

// RecoverSessions reopens the final session of every user persisted as logged
// in. Users whose credentials are gone or unregistered are corrected to logged
// out. One failing user never blocks the others.
func (s *Service) RecoverSessions(ctx context.Context) (*RecoveryReport, error) {
	s.recovering.Store(true)
	defer s.recovering.Store(false)

	users, err := s.repo.ListLoggedInUsers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list logged in users")
	}
	report := &RecoveryReport{}
	if len(users) == 0 {
		zap.L().Info("whatsapp: no sessions to recover")
		return report, nil
	}

	pool, err := ants.NewPool(s.recoveryWorkers)
	if err != nil {
		return nil, errors.Wrap(err, "create recovery pool")
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]RecoveryResult, len(users))
	)
	for i, user := range users {
		i, user := i, user
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					zap.L().Error("whatsapp: recovery task panic", zap.String("device_id", user.DeviceID), zap.Any("panic", r))
					mu.Lock()
					results[i] = RecoveryResult{PhoneNumber: user.Phone(), DeviceID: user.DeviceID, Outcome: RecoveryFailed,
						Err: errors.Errorf("panic: %v", r)}
					mu.Unlock()
				}
			}()
			res := s.recoverOne(ctx, user)
			mu.Lock()
			results[i] = res
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			results[i] = RecoveryResult{PhoneNumber: user.Phone(), DeviceID: user.DeviceID, Outcome: RecoveryFailed, Err: err}
		}
	}
	wg.Wait()

	for _, res := range results {
		report.add(res)
	}
	zap.L().Info("whatsapp: session recovery finished",
		zap.Int("reconnected", report.Reconnected),
		zap.Int("corrected", report.Corrected),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

func (s *Service) recoverOne(ctx context.Context, user *domain.WhatsAppUser) RecoveryResult {
	res := RecoveryResult{PhoneNumber: user.Phone(), DeviceID: user.DeviceID}
	if res.PhoneNumber == "" {
		res.Outcome = RecoverySkipped
		return res
	}
	if !s.creds.Exists(res.PhoneNumber) {
		zap.L().Warn("whatsapp: credentials missing, marking logged out", zap.String("phone", res.PhoneNumber))
		if err := s.repo.UpdateLoginStatus(ctx, res.PhoneNumber, false, ""); err != nil {
			res.Outcome, res.Err = RecoveryFailed, err
			return res
		}
		res.Outcome = RecoveryCorrected
		return res
	}

	_, err := s.openFinalSession(ctx, res.PhoneNumber)
	switch {
	case err == nil:
		res.Outcome = RecoveryReconnected
	case errors.Is(err, domain.ErrRegistrationIncomplete):
		res.Outcome, res.Err = RecoveryCorrected, err
	default:
		zap.L().Error("whatsapp: session recovery failed", zap.String("phone", res.PhoneNumber), zap.Error(err))
		if uerr := s.repo.UpdateLoginStatus(ctx, res.PhoneNumber, false, ""); uerr != nil {
			zap.L().Error("whatsapp: failed to store logout", zap.String("phone", res.PhoneNumber), zap.Error(uerr))
		}
		res.Outcome, res.Err = RecoveryFailed, err
	}
	return res
}
