package domain

import "errors"

// 錯誤分類，usecase 以 errprocess.Wrap 包裝後回傳
var (
	// ErrNotFound unknown conversation or message
	ErrNotFound = errors.New("not found")
	// ErrForbidden non member acting on a conversation, non sender editing or deleting
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidArgument malformed group creation, self referential reply
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidState editing a deleted message
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable store unreachable, caller should retry the whole send
	ErrUnavailable = errors.New("unavailable")
)
