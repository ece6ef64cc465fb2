package core

import "errors"

var ErrEntityNotFound = errors.New("entity not found")

// Codec- and derivation-level failures. Never retried automatically: they
// indicate a data-format or logic bug, not a transient condition.
var ErrMalformedSignature = errors.New("malformed signature")
var ErrNoValidAddress = errors.New("no valid derived address")

// Collaborator-interaction failures, recoverable by user retry.
var ErrUnknownCredential = errors.New("unknown credential")
var ErrUserCancelled = errors.New("user cancelled authentication")
var ErrAuthenticatorUnavailable = errors.New("authenticator unavailable")

// Submission and confirmation failures. ErrUnconfirmedTransaction means the
// transaction may have been accepted by the ledger but its fate is unknown;
// the caller must re-query ledger state before retrying.
var ErrSubmissionFailed = errors.New("transaction submission failed")
var ErrUnconfirmedTransaction = errors.New("transaction not confirmed")
var ErrConfirmationTimeout = errors.New("confirmation polling timed out")

// Proposal state machine violations.
var ErrInvalidStateTransition = errors.New("invalid proposal state transition")
var ErrThresholdNotMet = errors.New("signature threshold not met")
var ErrAlreadyExecuted = errors.New("proposal already executed")
