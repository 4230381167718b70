package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/terraskye/cqrs"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is the errdetails.ErrorInfo domain of statuses built by ToStatus.
const ErrorDomain = "cqrs.terraskye.github.com"

// ErrorInfo reasons.
const (
	ReasonConflict          = "CONCURRENCY_CONFLICT"
	ReasonRejected          = "REJECTED"
	ReasonUnavailable       = "UNAVAILABLE"
	ReasonUnsupported       = "UNSUPPORTED"
	ReasonDecode            = "DECODE_FAILURE"
	ReasonInvalidCover      = "INVALID_COVER"
	ReasonInvalidEventBatch = "INVALID_EVENT_BATCH"
	ReasonUnknownDomain     = "UNKNOWN_DOMAIN"
)

// ToStatus converts an error of the taxonomy into a gRPC status error with an
// errdetails.ErrorInfo attached. A conflict carries the stream address and
// the actual_sequence in the metadata; a rejection carries its reason.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		code     codes.Code
		reason   string
		metadata map[string]string
		conflict *cqrs.ConcurrencyConflictError
		rejected *cqrs.RejectionError
	)
	switch {
	case errors.As(err, &conflict):
		code, reason = codes.Aborted, ReasonConflict
		cover := conflict.Cover.Normalize()
		metadata = map[string]string{
			"domain":            cover.Domain,
			"root":              cover.Root.String(),
			"edition":           cover.Edition,
			"correlation_id":    cover.CorrelationID,
			"expected_sequence": strconv.FormatUint(uint64(conflict.Expected), 10),
			"actual_sequence":   strconv.FormatUint(uint64(conflict.Actual), 10),
		}
	case errors.As(err, &rejected):
		code, reason = codes.FailedPrecondition, ReasonRejected
		metadata = map[string]string{"reason": rejected.Reason}
	case errors.Is(err, context.DeadlineExceeded):
		code, reason = codes.DeadlineExceeded, ReasonUnavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, cqrs.ErrTransport):
		code, reason = codes.Unavailable, ReasonUnavailable
	case errors.Is(err, cqrs.ErrUnsupported):
		code, reason = codes.Unimplemented, ReasonUnsupported
	case errors.Is(err, cqrs.ErrInvalidCover):
		code, reason = codes.InvalidArgument, ReasonInvalidCover
	case errors.Is(err, cqrs.ErrInvalidEventBatch):
		code, reason = codes.InvalidArgument, ReasonInvalidEventBatch
	case errors.Is(err, cqrs.ErrDecode):
		code, reason = codes.InvalidArgument, ReasonDecode
	case errors.Is(err, cqrs.ErrUnknownDomain):
		code, reason = codes.NotFound, ReasonUnknownDomain
	default:
		code = codes.Internal
	}

	st := status.New(code, err.Error())
	if reason == "" {
		return st.Err()
	}
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   reason,
		Domain:   ErrorDomain,
		Metadata: metadata,
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// FromStatus converts a gRPC status error returned by a call to method back
// into the error taxonomy. Errors without a status are treated as transport
// failures.
func FromStatus(method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return cqrs.WrapTransport(method, err)
	}

	info := errorInfo(st)
	msg := st.Message()
	switch st.Code() {
	case codes.Aborted:
		if info == nil || info.GetReason() != ReasonConflict {
			return &cqrs.TransportError{Op: method, Err: err}
		}
		return conflictFromMetadata(info.GetMetadata())
	case codes.FailedPrecondition:
		reason := msg
		if info != nil && info.GetReason() == ReasonRejected {
			reason = info.GetMetadata()["reason"]
		}
		return &cqrs.RejectionError{Reason: reason}
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Canceled:
		return &cqrs.TransportError{Op: method, Err: err}
	case codes.Unimplemented:
		return fmt.Errorf("%s: %w: %s", method, cqrs.ErrUnsupported, msg)
	case codes.InvalidArgument:
		switch info.GetReason() {
		case ReasonInvalidCover:
			return fmt.Errorf("%s: %w: %s", method, cqrs.ErrInvalidCover, msg)
		case ReasonInvalidEventBatch:
			return fmt.Errorf("%s: %w: %s", method, cqrs.ErrInvalidEventBatch, msg)
		}
		return &cqrs.DecodeError{Err: fmt.Errorf("%s: %s", method, msg)}
	case codes.NotFound:
		if info.GetReason() == ReasonUnknownDomain {
			return fmt.Errorf("%s: %w: %s", method, cqrs.ErrUnknownDomain, msg)
		}
	}
	return fmt.Errorf("%s: %w", method, err)
}

func errorInfo(st *status.Status) *errdetails.ErrorInfo {
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return info
		}
	}
	return nil
}

func conflictFromMetadata(md map[string]string) *cqrs.ConcurrencyConflictError {
	root, _ := uuid.Parse(md["root"])
	expected, _ := strconv.ParseUint(md["expected_sequence"], 10, 32)
	actual, _ := strconv.ParseUint(md["actual_sequence"], 10, 32)
	return &cqrs.ConcurrencyConflictError{
		Cover: cqrs.Cover{
			Domain:        md["domain"],
			Root:          root,
			Edition:       md["edition"],
			CorrelationID: md["correlation_id"],
		},
		Expected: uint32(expected),
		Actual:   uint32(actual),
	}
}
