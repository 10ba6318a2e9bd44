// Пакет saga — двухшаговые операции, охватывающие локальную транзакцию
// и вызов удалённого агента.
//
// CommitThenCall фиксирует локальные изменения до сетевого вызова и при
// его ошибке выполняет компенсацию отдельной операцией вне транзакции.
// CallThenDecide держит транзакцию открытой на время вызова и по его
// результату решает: коммит или откат (либо принудительный коммит).
package saga

import (
	"context"
	"errors"
	"fmt"
)

// Finisher — транзакция, которую сага завершает коммитом или откатом.
type Finisher interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// CallError — ошибка удалённого вызова внутри саги.
// Отличает сбой агента от ошибок локального хранилища.
type CallError struct {
	Err error
}

func (e *CallError) Error() string {
	return e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// CommitThenCall: Begin → Local → Commit → Call.
// При ошибке Call вызывается Compensate с результатом Local; ошибка
// компенсации передаётся в OnCompensateError и не меняет возвращаемую
// ошибку. Между Commit и Compensate локальные данные видны другим.
type CommitThenCall[TX Finisher, T any] struct {
	Begin             func(ctx context.Context) (TX, error)
	Local             func(ctx context.Context, tx TX) (T, error)
	Call              func(ctx context.Context, result T) error
	Compensate        func(ctx context.Context, result T) error
	OnCompensateError func(result T, err error)
}

// Run выполняет сагу. Ошибка Call возвращается обёрнутой в *CallError.
func (s CommitThenCall[TX, T]) Run(ctx context.Context) (T, error) {
	var zero T

	tx, err := s.Begin(ctx)
	if err != nil {
		return zero, err
	}

	result, err := s.Local(ctx, tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return zero, errors.Join(err, fmt.Errorf("ошибка отката: %w", rbErr))
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("ошибка коммита: %w", err)
	}

	if err := s.Call(ctx, result); err != nil {
		if s.Compensate != nil {
			// Компенсация не должна отменяться вместе с запросом
			if cErr := s.Compensate(context.WithoutCancel(ctx), result); cErr != nil && s.OnCompensateError != nil {
				s.OnCompensateError(result, cErr)
			}
		}
		return zero, &CallError{Err: err}
	}

	return result, nil
}

// CallThenDecide: Begin → Local → Call → Commit | Rollback.
// Успешный Call фиксирует транзакцию. При ошибке Call транзакция
// откатывается, если Force не установлен; с Force — фиксируется,
// OnForcedCommit получает ошибку вызова, и Run возвращает nil.
type CallThenDecide[TX Finisher] struct {
	Begin          func(ctx context.Context) (TX, error)
	Local          func(ctx context.Context, tx TX) error
	Call           func(ctx context.Context) error
	Force          bool
	OnForcedCommit func(callErr error)
}

// Run выполняет сагу. Ошибка Call без Force возвращается в *CallError.
func (s CallThenDecide[TX]) Run(ctx context.Context) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	if err := s.Local(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("ошибка отката: %w", rbErr))
		}
		return err
	}

	callErr := s.Call(ctx)
	if callErr != nil && !s.Force {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(&CallError{Err: callErr}, fmt.Errorf("ошибка отката: %w", rbErr))
		}
		return &CallError{Err: callErr}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка коммита: %w", err)
	}

	if callErr != nil && s.OnForcedCommit != nil {
		s.OnForcedCommit(callErr)
	}
	return nil
}
