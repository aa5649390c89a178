// Package wferrors is the error catalog of the approval engine. Every entry
// carries a code, a message and a description template; codes in the 51xxx
// band are caused by the client, 500xx by the server.
package wferrors

import (
	"errors"
	"fmt"
)

// Prefix is prepended to every code surfaced to callers.
const Prefix = "WF-"

type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindUnauthorizedApprover
	KindStaleRequest
	KindInvalidTransition
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNotFound:
		return "NotFound"
	case KindUnauthorizedApprover:
		return "UnauthorizedApprover"
	case KindStaleRequest:
		return "StaleRequest"
	case KindInvalidTransition:
		return "InvalidTransition"
	case KindPersistence:
		return "PersistenceFailure"
	default:
		return "Unknown"
	}
}

type Band int

const (
	BandClient Band = iota + 1
	BandServer
)

// Band returns the code band the kind is reported in.
func (k Kind) Band() Band {
	switch k {
	case KindInvalidTransition, KindPersistence:
		return BandServer
	default:
		return BandClient
	}
}

// Message is one catalog entry. It is plain data; New and Wrap build errors from it.
type Message struct {
	Kind        Kind
	Code        string
	Message     string
	Description string
}

func (m Message) New(args ...any) *Error {
	return &Error{Msg: m, Args: args}
}

func (m Message) Wrap(err error, args ...any) *Error {
	return &Error{Msg: m, Args: args, Err: err}
}

// Client errors starting from 510xx.
var (
	WorkflowNotFound = Message{KindNotFound, "51001", "Resource not found.",
		"Unable to find a resource matching the provided workflow identifier %v."}
	AddWorkflowInvalid = Message{KindValidation, "51003", "Unable to add workflow",
		"Encountered an error while adding the workflow: %s."}
	UpdateWorkflowInvalid = Message{KindValidation, "51004", "Unable to update workflow",
		"Encountered an error while updating the workflow for identifier %v: %s."}
	AssociationNotFound = Message{KindNotFound, "51005", "Resource not found.",
		"Unable to find a resource matching the provided workflow association identifier %v."}
	AddAssociationInvalid = Message{KindValidation, "51007", "Unable to add workflow association",
		"Encountered an error while adding the workflow association with the name %s: %s."}
	UpdateAssociationInvalid = Message{KindValidation, "51008", "Unable to update workflow association",
		"Encountered an error while updating the workflow association %v: %s."}
	RemoveWorkflowInvalid = Message{KindValidation, "51010", "Unable to delete the workflow",
		"The workflow %v cannot be deleted: %s."}
	RequestNotFound = Message{KindNotFound, "51011", "Resource not found.",
		"Unable to find a workflow request matching the provided identifier %v."}
	UnauthorizedApprover = Message{KindUnauthorizedApprover, "51012", "Unauthorized approver.",
		"Principal %s is not an approver of step %d of request %v."}
	StaleRequest = Message{KindStaleRequest, "51013", "Stale request.",
		"Decision of %s on request %v was discarded: %s."}
	InvalidDecision = Message{KindValidation, "51014", "Invalid decision.",
		"The decision is not valid: %s."}
	SubmitInvalid = Message{KindValidation, "51015", "Unable to submit operation",
		"The guarded operation %s cannot be submitted: %s."}
)

// Server errors starting from 500xx.
var (
	ListWorkflows = Message{KindPersistence, "50020", "Unable to list existing workflows",
		"Server encountered an error while listing the workflows."}
	RemoveWorkflow = Message{KindPersistence, "50021", "Unable to delete the workflow",
		"Server encountered an error while deleting the workflow for the identifier %v."}
	RetrieveWorkflow = Message{KindPersistence, "50022", "Unable to retrieve workflow.",
		"Server encountered an error while retrieving the workflow for identifier %v."}
	AddWorkflow = Message{KindPersistence, "50023", "Unable to add workflow",
		"Server encountered an error while adding the workflow."}
	UpdateWorkflow = Message{KindPersistence, "50024", "Unable to update workflow",
		"Server encountered an error while updating the workflow for identifier %v."}
	AddAssociation = Message{KindPersistence, "50025", "Unable to add workflow association",
		"Server encountered an error while adding the workflow association with the name %s."}
	ListAssociations = Message{KindPersistence, "50026", "Unable to list existing workflow associations",
		"Server encountered an error while listing the workflow associations."}
	RemoveAssociation = Message{KindPersistence, "50027", "Unable to delete the workflow association",
		"Server encountered an error while deleting the workflow association %v."}
	RetrieveAssociation = Message{KindPersistence, "50028", "Unable to retrieve workflow association.",
		"Server encountered an error while retrieving the workflow association for identifier %v."}
	UpdateAssociation = Message{KindPersistence, "50029", "Unable to update workflow association",
		"Server encountered an error while updating the workflow association %v."}
	InvalidTransition = Message{KindInvalidTransition, "50030", "Invalid request transition.",
		"Request %v is %s and cannot %s."}
	PersistRequest = Message{KindPersistence, "50031", "Unable to persist workflow request",
		"Server encountered an error while persisting the workflow request %v."}
	RetrieveRequest = Message{KindPersistence, "50032", "Unable to retrieve workflow request.",
		"Server encountered an error while retrieving the workflow request %v."}
	ConcurrentUpdate = Message{KindPersistence, "50033", "Concurrent modification of workflow request.",
		"The workflow request %v was modified by another executor."}
)

// Error is a catalog entry bound to its arguments and optional cause.
type Error struct {
	Msg  Message
	Args []any
	Err  error
}

func (e *Error) Error() string {
	s := e.Code() + " | " + e.Msg.Message + " " + e.Description()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another catalog error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Msg.Code == e.Msg.Code
	}
	return false
}

func (e *Error) Code() string {
	return Prefix + e.Msg.Code
}

func (e *Error) Kind() Kind {
	return e.Msg.Kind
}

func (e *Error) Description() string {
	if len(e.Args) == 0 {
		return e.Msg.Description
	}
	return fmt.Sprintf(e.Msg.Description, e.Args...)
}

// KindOf returns the kind of the first catalog error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return 0
}

func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable reports whether err may be transient. Only persistence
// failures are.
func IsRetryable(err error) bool {
	return IsKind(err, KindPersistence)
}
