package domain

import "errors"

// Ledger precondition failures. Each is a terminal rejection of a single
// call; nothing is applied when one is returned.
var (
	ErrMarketDoesNotExist   = errors.New("market does not exist")
	ErrMarketAlreadySettled = errors.New("market already settled")
	ErrMarketNotSettled     = errors.New("market not settled")
	ErrAlreadyPredicted     = errors.New("already predicted")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrNothingToClaim       = errors.New("nothing to claim")
	ErrAlreadyClaimed       = errors.New("already claimed")
	ErrTransferFailed       = errors.New("transfer failed")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrNotOwner             = errors.New("caller is not the owner")
	ErrEmptyQuestion        = errors.New("empty question")
	ErrInvalidQuestion      = errors.New("question must be UTF-8 text without NUL bytes")
	ErrInvalidSide          = errors.New("side must be yes or no")
)

// Report-delivery authentication failures.
var (
	ErrInvalidSender                        = errors.New("invalid sender")
	ErrInvalidAuthor                        = errors.New("invalid workflow author")
	ErrInvalidWorkflowName                  = errors.New("invalid workflow name")
	ErrInvalidWorkflowID                    = errors.New("invalid workflow id")
	ErrInvalidForwarderAddress              = errors.New("invalid forwarder address")
	ErrWorkflowNameRequiresAuthorValidation = errors.New("workflow name requires author validation")
	ErrInvalidMetadata                      = errors.New("invalid report metadata")
	ErrMalformedReport                      = errors.New("malformed report")
)

// Infrastructure errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")
)

// errorCodes maps sentinels to their stable names so API clients can tell
// "already claimed" from "nothing to claim" without parsing messages.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrMarketDoesNotExist, "MarketDoesNotExist"},
	{ErrMarketAlreadySettled, "MarketAlreadySettled"},
	{ErrMarketNotSettled, "MarketNotSettled"},
	{ErrAlreadyPredicted, "AlreadyPredicted"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrNothingToClaim, "NothingToClaim"},
	{ErrAlreadyClaimed, "AlreadyClaimed"},
	{ErrTransferFailed, "TransferFailed"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrNotOwner, "NotOwner"},
	{ErrEmptyQuestion, "EmptyQuestion"},
	{ErrInvalidQuestion, "InvalidQuestion"},
	{ErrInvalidSide, "InvalidSide"},
	{ErrInvalidSender, "InvalidSender"},
	{ErrInvalidAuthor, "InvalidAuthor"},
	{ErrInvalidWorkflowName, "InvalidWorkflowName"},
	{ErrInvalidWorkflowID, "InvalidWorkflowId"},
	{ErrInvalidForwarderAddress, "InvalidForwarderAddress"},
	{ErrWorkflowNameRequiresAuthorValidation, "WorkflowNameRequiresAuthorValidation"},
	{ErrInvalidMetadata, "InvalidMetadata"},
	{ErrMalformedReport, "MalformedReport"},
	{ErrNotFound, "NotFound"},
	{ErrRateLimited, "RateLimited"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrLockHeld, "LockHeld"},
}

// ErrorCode returns the stable name of the first known sentinel wrapped by
// err, or "" when err matches none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}
