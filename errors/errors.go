package errors

import "fmt"

var (
	ErrWorkerPanic    = fmt.Errorf("worker panic")
	ErrFrameTooLarge  = fmt.Errorf("frame exceeds maximum size")
	ErrEmptyIdentity  = fmt.Errorf("empty identity")
	ErrUnknownAction  = fmt.Errorf("unknown action")
	ErrAudioNotFound  = fmt.Errorf("audio file not found")
	ErrUnsafeFileName = fmt.Errorf("unsafe file name")
)
