package apperr

import (
	"errors"
	"fmt"
)

// ConnectivityError means the broker or storage could not be reached at
// startup. It is fatal.
type ConnectivityError struct {
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// ReceiveError is a single failed poll. The poll loop logs it and continues.
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("receive failed: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error {
	return e.Err
}

// ProcessingError is a per-record transformation failure.
type ProcessingError struct {
	RecordID string
	Attempts int
	Err      error
}

func (e *ProcessingError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("processing %s failed after %d attempts: %v", e.RecordID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("processing %s failed: %v", e.RecordID, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// SendError is a failed publish to the broker.
type SendError struct {
	Topic string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Topic, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// StorageError is a failed read or write against the persistence store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// LifecycleError is an invalid start/stop/status request.
type LifecycleError struct {
	JobID  string
	Reason string
}

func (e *LifecycleError) Error() string {
	if e.JobID == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.JobID, e.Reason)
}

// PermanentError marks a failure that retrying cannot fix, such as a
// malformed payload.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that retry loops may stop early.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if error is permanent
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// IsLifecycle checks if err is an expected lifecycle failure.
func IsLifecycle(err error) bool {
	var lifecycleErr *LifecycleError
	return errors.As(err, &lifecycleErr)
}

// IsConnectivity checks if err is a startup connectivity failure.
func IsConnectivity(err error) bool {
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}

// IsStorage checks if err came from the persistence store.
func IsStorage(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

// IsProcessing checks if err is a per-record processing failure.
func IsProcessing(err error) bool {
	var procErr *ProcessingError
	return errors.As(err, &procErr)
}
