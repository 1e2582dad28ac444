package session

import (
	"errors"

	"github.com/iambrandonn/examrun/internal/protocol"
)

// Recorders fans session traffic out to several recorders. Every recorder
// sees every message; their errors are joined.
type Recorders []Recorder

func (rs Recorders) RecordRequest(req *protocol.Request) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordRequest(req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs Recorders) RecordResponse(resp *protocol.Response) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordResponse(resp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs Recorders) RecordLog(msg *protocol.Log) error {
	var errs []error
	for _, r := range rs {
		if lr, ok := r.(LogRecorder); ok {
			if err := lr.RecordLog(msg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
