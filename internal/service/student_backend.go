package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// studentBackend binds AttemptService to one authenticated student so a
// proctor.Session can drive it.
type studentBackend struct {
	svc       *AttemptService
	studentID int
}

// ForStudent returns the session backend for studentID.
func (s *AttemptService) ForStudent(studentID int) proctor.Backend {
	return &studentBackend{svc: s, studentID: studentID}
}

func (b *studentBackend) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	exam, err := b.svc.GetExam(ctx, examID)
	return exam, sessionError(err)
}

func (b *studentBackend) HasAttempted(ctx context.Context, examID uuid.UUID) (bool, error) {
	return b.svc.HasAttempted(ctx, examID, b.studentID)
}

func (b *studentBackend) StartAttempt(ctx context.Context, examID uuid.UUID) (*model.Attempt, error) {
	a, err := b.svc.StartAttempt(ctx, examID, b.studentID)
	return a, sessionError(err)
}

func (b *studentBackend) SaveAnswer(ctx context.Context, examID, questionID uuid.UUID, answer model.Answer) (*model.Attempt, error) {
	return b.svc.SaveAnswer(ctx, examID, b.studentID, questionID, answer)
}

func (b *studentBackend) LogViolation(ctx context.Context, examID uuid.UUID, entry model.CheatingLogEntry) error {
	return b.svc.LogViolation(ctx, examID, b.studentID, entry)
}

func (b *studentBackend) SubmitAttempt(ctx context.Context, examID uuid.UUID) (*model.SubmissionResult, error) {
	return b.svc.SubmitAttempt(ctx, examID, b.studentID)
}

// sessionError maps service errors to the session's fatal outcomes.
func sessionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%w: %w", proctor.ErrAlreadyAttempted, err)
	case errors.Is(err, ErrExamNotFound), errors.Is(err, ErrExamClosed):
		return fmt.Errorf("%w: %w", proctor.ErrExamUnavailable, err)
	}
	return err
}
