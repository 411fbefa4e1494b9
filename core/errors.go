package core

import (
	"errors"
	"fmt"
	"time"
)

var ErrAlreadyRunning = errors.New("worker already running")
var ErrWorkerStopped = errors.New("worker stopped")
var ErrJobNotFound = errors.New("job not found")
var ErrBackgroundFull = errors.New("background dispatcher is full")
var ErrBackgroundClosed = errors.New("background dispatcher is closed")
var ErrDriverUnsupported = errors.New("unsupported driver")

// StaleFinalAttemptMessage is stored as the error of a job whose
// reservation expired on its last attempt.
const StaleFinalAttemptMessage = "reservation expired after final attempt"

// RegistrationError is returned when a dispatch or execution references a
// job name that has no definition.
type RegistrationError struct {
	Name string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("job not registered: %s", e.Name)
}

func IsRegistration(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExecutionError wraps a handler failure, including recovered panics.
type ExecutionError struct {
	Name string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.Name, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func IsExecution(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after %v", e.Name, e.Timeout)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// StorageError is returned by drivers for any I/O failure against the
// underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Storage wraps err into a StorageError unless it is nil or already one.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsStorage(err) || errors.Is(err, ErrJobNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

type ExhaustedRetriesError struct {
	ID       string
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("job %s (%s) failed permanently after %d attempts: %v", e.ID, e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Err
}

func IsExhaustedRetries(err error) bool {
	var ere *ExhaustedRetriesError
	return errors.As(err, &ere)
}

type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %v", e.Key, e.RetryAfter)
}

func IsRateLimited(err error) bool {
	var rle *RateLimitedError
	return errors.As(err, &rle)
}

type ThrottledError struct {
	Key   string
	Until time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("execution of %s throttled until %s", e.Key, e.Until.Format(time.RFC3339))
}

func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}

type BatchError struct {
	Total      int
	Failed     int
	FirstError error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch dispatch failed: %d/%d jobs failed. First error: %v",
		e.Failed, e.Total, e.FirstError)
}

func (e *BatchError) Unwrap() error {
	return e.FirstError
}

func IsBatch(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}
