package indexer

import "errors"

var (
	// ErrRepositoryBusy is reported when an update is requested while
	// another update of the same repository is running.
	ErrRepositoryBusy = errors.New("repository busy")
	// ErrFileNotFound is reported by GetFile for a missing file.
	ErrFileNotFound = errors.New("file not found")
	// ErrInvalidArgument is reported for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrFileTooLarge marks files skipped for exceeding the size limit.
	ErrFileTooLarge = errors.New("file too large")
)
