package saga

import (
	"context"
	"errors"
	"fmt"
)

// ErrAttemptsExhausted — все попытки Retry завершились повторяемой ошибкой.
var ErrAttemptsExhausted = errors.New("попытки исчерпаны")

// ExhaustedError оборачивает последнюю ошибку после исчерпания попыток.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s (%d): %v", ErrAttemptsExhausted, e.Attempts, e.Last)
}

// Is сопоставляет ошибку с ErrAttemptsExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAttemptsExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Retry вызывает fn до attempts раз подряд, без задержки.
// Повтор происходит только если isRetryable(err) истинно; любая другая
// ошибка возвращается сразу. attempt начинается с 1.
// Отмена ctx прерывает цикл между попытками.
func Retry[T any](
	ctx context.Context,
	attempts int,
	isRetryable func(error) bool,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, error) {
	var zero T
	var last error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if !isRetryable(err) {
			return zero, err
		}
		last = err
	}

	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}
